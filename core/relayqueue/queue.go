package relayqueue

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AvaProtocol/ap-relayer/pkg/logger"
	"github.com/AvaProtocol/ap-relayer/storage"
)

// Queue is a durable message channel on top of badger. Pending keys embed the
// delivery time, so lexicographic key order doubles as the delivery schedule:
//
//	q:<prefix>:p:<readyAt%020d>:<seq%020d> -> Job JSON
//
// That gives the retry channel per-message delivery delay without any busy
// polling.
type Queue struct {
	db storage.Storage

	seq    storage.Sequence
	dbLock sync.Mutex

	eventCh chan uint64
	closeCh chan bool

	prefix string
	logger logger.Logger
}

type QueueOption struct {
	Prefix string
}

// New creates a queue; call MustStart before use.
func New(db storage.Storage, lg logger.Logger, opts *QueueOption) *Queue {
	q := Queue{
		db:     db,
		dbLock: sync.Mutex{},

		eventCh: make(chan uint64, 1000),
		closeCh: make(chan bool),

		prefix: "d",
		logger: logger.EnsureLogger(lg),
	}

	if opts != nil && opts.Prefix != "" {
		q.prefix = opts.Prefix
	}

	return &q
}

// MustStart claims the job id sequence, panic on storage error.
func (q *Queue) MustStart() {
	var err error
	q.seq, err = q.db.GetSequence([]byte("q:seq:"+q.prefix), 1000)
	if err != nil {
		panic(err)
	}
}

// Stop releases the sequence to avoid wasting counter range.
func (q *Queue) Stop() error {
	return q.seq.Release()
}

// Enqueue schedules a job for immediate delivery.
func (q *Queue) Enqueue(jobType string, name string, data []byte) (uint64, error) {
	return q.EnqueueDelayed(jobType, name, data, 0)
}

// EnqueueDelayed schedules a job to become deliverable after delay.
func (q *Queue) EnqueueDelayed(jobType string, name string, data []byte, delay time.Duration) (uint64, error) {
	num, err := getNextSeq(q.seq)
	if err != nil {
		return 0, err
	}

	readyAt := time.Now().Add(delay).UnixMilli()
	j := &Job{
		Type:    jobType,
		Name:    name,
		Data:    data,
		ID:      num + 1,
		ReadyAt: readyAt,
	}

	b, err := encodeJob(j)
	if err != nil {
		return 0, err
	}

	if err = q.db.Set(q.pendingKey(readyAt, j.ID), b); err != nil {
		return 0, err
	}

	// wake the worker; delivery time is still enforced by Dequeue
	select {
	case q.eventCh <- j.ID:
	default:
	}

	return j.ID, nil
}

// Dequeue hands out the earliest deliverable job, moving it to in-progress.
// Returns nil when the queue is empty or the head job's ready-at time is
// still in the future (pending keys sort by ready-at, so nothing behind the
// head can be ready either).
func (q *Queue) Dequeue() (*Job, error) {
	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	prefix := q.getQueueKeyPrefix(jobPending)
	k, v, err := q.db.FirstKVHasPrefix(prefix)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, nil
	}

	readyAt, err := readyAtFromKey(k)
	if err != nil {
		return nil, err
	}
	if readyAt > time.Now().UnixMilli() {
		return nil, nil
	}

	j, err := decodeJob(v)
	if err != nil {
		return nil, err
	}

	err = q.db.Move(k, q.statusKey(jobInProgress, j.ID))
	return j, err
}

// markJobDone moves a job from in-progress to complete/failed.
func (q *Queue) markJobDone(job *Job, status jobStatus) error {
	if status != jobComplete && status != jobFailed {
		return fmt.Errorf("can only move to complete or failed status")
	}

	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	return q.db.Move(q.statusKey(jobInProgress, job.ID), q.statusKey(status, job.ID))
}

// Recover reclaims jobs that were in progress when a previous process died
// and makes them deliverable again immediately.
func (q *Queue) Recover() (int, error) {
	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	items, err := q.db.GetByPrefix(q.getQueueKeyPrefix(jobInProgress))
	if err != nil {
		return 0, err
	}

	recovered := 0
	now := time.Now().UnixMilli()
	for _, kv := range items {
		j, err := decodeJob(kv.Value)
		if err != nil {
			q.logger.Error("cannot decode stuck job, dropping", "key", string(kv.Key), "error", err)
			_ = q.db.Delete(kv.Key)
			continue
		}

		if err = q.db.Move(kv.Key, q.pendingKey(now, j.ID)); err != nil {
			return recovered, err
		}
		recovered++
	}

	if recovered > 0 {
		q.logger.Info("recovered stuck jobs", "count", recovered, "queue", q.prefix)
	}
	return recovered, nil
}

// CleanupOrphaned drops pending/failed jobs the keep predicate rejects,
// typically because their transaction record no longer exists.
func (q *Queue) CleanupOrphaned(keep func(*Job) bool) (int, error) {
	removed := 0

	for _, status := range []jobStatus{jobPending, jobFailed} {
		items, err := q.db.GetByPrefix(q.getQueueKeyPrefix(status))
		if err != nil {
			return removed, err
		}

		for _, kv := range items {
			j, err := decodeJob(kv.Value)
			if err != nil || !keep(j) {
				q.dbLock.Lock()
				delErr := q.db.Delete(kv.Key)
				q.dbLock.Unlock()
				if delErr != nil {
					q.logger.Error("failed to remove orphaned job", "key", string(kv.Key), "error", delErr)
					continue
				}
				removed++
			}
		}
	}

	return removed, nil
}

// CountPending reports queue depth, used by status endpoints and tests.
func (q *Queue) CountPending() (int64, error) {
	return q.db.CountKeysByPrefix(q.getQueueKeyPrefix(jobPending))
}

func getNextSeq(seq storage.Sequence) (num uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = r.(error)
		}
	}()

	num, err = seq.Next()
	return num, err
}

func (q *Queue) getQueueKeyPrefix(status jobStatus) []byte {
	return []byte(fmt.Sprintf("q:%s:%s:", q.prefix, status))
}

func (q *Queue) pendingKey(readyAt int64, jID uint64) []byte {
	return []byte(fmt.Sprintf("q:%s:%s:%020d:%020d", q.prefix, jobPending, readyAt, jID))
}

func (q *Queue) statusKey(status jobStatus, jID uint64) []byte {
	return []byte(fmt.Sprintf("q:%s:%s:%020d", q.prefix, status, jID))
}

// readyAtFromKey reads the delivery timestamp out of a pending key. Prefixes
// may themselves contain colons (per-network queues use "retry:<chainId>"),
// so the fixed fields are addressed from the end of the key.
func readyAtFromKey(key []byte) (int64, error) {
	parts := strings.Split(string(key), ":")
	if len(parts) < 5 {
		return 0, fmt.Errorf("malformed pending key %q", key)
	}
	return strconv.ParseInt(parts[len(parts)-2], 10, 64)
}
