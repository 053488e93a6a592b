package relayqueue

import (
	"encoding/json"
)

type jobStatus string

const (
	// jobPending : waiting for its ready-at time
	jobPending jobStatus = "p"
	// jobInProgress : handed to a processor
	jobInProgress jobStatus = "i"
	// jobComplete : processed successfully
	jobComplete jobStatus = "c"
	// jobFailed : processor errored out
	jobFailed jobStatus = "f"
)

type Job struct {
	// Type selects the processor; Name is an external reference (transaction
	// id, pool key) so jobs can be inspected without decoding Data.
	Type string `json:"type"`
	Name string `json:"name"`
	Data []byte `json:"data"`

	// ID is assigned from a badger sequence; unique per queue.
	ID uint64 `json:"id"`

	// ReadyAt is the earliest delivery time in unix milliseconds. Zero means
	// deliver immediately.
	ReadyAt int64 `json:"readyAt"`
}

func encodeJob(j *Job) ([]byte, error) {
	return json.Marshal(j)
}

func decodeJob(b []byte) (*Job, error) {
	j := &Job{}
	err := json.Unmarshal(b, j)
	return j, err
}
