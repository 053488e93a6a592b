package relayqueue

import (
	"time"

	"github.com/AvaProtocol/ap-relayer/pkg/logger"
)

type JobProcessor interface {
	Perform(j *Job) error
}

// Worker drains one queue with prefetch of one: a single goroutine processes
// a single job at a time, so retry handling for a network is strictly
// serialized and resubmission order is preserved.
type Worker struct {
	q *Queue

	processorRegistry map[string]JobProcessor
	tick              time.Duration
	logger            logger.Logger
}

func NewWorker(q *Queue, lg logger.Logger) *Worker {
	return &Worker{
		q:                 q,
		processorRegistry: make(map[string]JobProcessor),
		tick:              time.Second,
		logger:            logger.EnsureLogger(lg),
	}
}

func (w *Worker) RegisterProcessor(jobType string, processor JobProcessor) {
	w.processorRegistry[jobType] = processor
}

func (w *Worker) loop() {
	// The ticker covers delayed jobs whose ready-at time passes with no new
	// enqueue to wake us.
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.q.eventCh:
			w.drain()
		case <-ticker.C:
			w.drain()
		case <-w.q.closeCh:
			return
		}
	}
}

// drain processes every currently-deliverable job, one at a time.
func (w *Worker) drain() {
	for {
		job, err := w.q.Dequeue()
		if err != nil {
			w.logger.Error("failed to dequeue", "queue", w.q.prefix, "error", err)
			return
		}
		if job == nil {
			return
		}

		processor, ok := w.processorRegistry[job.Type]
		if !ok {
			w.logger.Info("unsupported job type", "job_type", job.Type, "job_id", job.ID)
			_ = w.q.markJobDone(job, jobFailed)
			continue
		}

		if err = processor.Perform(job); err == nil {
			_ = w.q.markJobDone(job, jobComplete)
			w.logger.Debug("job performed", "job_id", job.ID, "name", job.Name)
		} else {
			_ = w.q.markJobDone(job, jobFailed)
			w.logger.Error("failed to perform job", "error", err, "job_id", job.ID, "name", job.Name)
		}
	}
}

func (w *Worker) MustStart() {
	go w.loop()
}

func (w *Worker) Stop() {
	close(w.q.closeCh)
}
