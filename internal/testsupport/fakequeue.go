package testsupport

import (
	"context"
	"sync"
	"time"

	"github.com/SirClappington/txgate/internal/domain"
	"github.com/SirClappington/txgate/internal/queue"
)

// ErrDuplicateJob is an alias for queue.ErrDuplicateJob, re-exported so
// callers wiring classifier predicates in tests don't need to import
// internal/queue just for the sentinel.
var ErrDuplicateJob = queue.ErrDuplicateJob

// FakeQueue is an in-memory, single-process work queue sufficient for
// exercising the submission service and worker pool without Redis. It
// satisfies both submission.Queue and worker.Queue against the real
// queue.Reservation type and the real queue sentinel errors.
type FakeQueue struct {
	mu      sync.Mutex
	waiting []domain.QueueJob
	active  map[string]domain.QueueJob
	ids     map[string]bool // job id present in waiting or active
	Acked   []string
	Nacked  []struct {
		ID        string
		Retryable bool
	}
}

// NewFakeQueue builds an empty queue.
func NewFakeQueue() *FakeQueue {
	return &FakeQueue{
		active: make(map[string]domain.QueueJob),
		ids:    make(map[string]bool),
	}
}

func (q *FakeQueue) Enqueue(_ context.Context, tx domain.Transaction, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ids[tx.ID] {
		return queue.ErrDuplicateJob
	}
	q.ids[tx.ID] = true
	q.waiting = append(q.waiting, domain.QueueJob{ID: tx.ID, Payload: tx, Attempt: 0, NotBefore: notBefore})
	return nil
}

func (q *FakeQueue) Reserve(_ context.Context, _ time.Duration) (*queue.Reservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 {
		return nil, queue.ErrNoJob
	}
	job := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.active[job.ID] = job
	return &queue.Reservation{Job: job, AttemptsMade: job.Attempt}, nil
}

func (q *FakeQueue) Ack(_ context.Context, res *queue.Reservation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, res.Job.ID)
	delete(q.ids, res.Job.ID)
	q.Acked = append(q.Acked, res.Job.ID)
	return nil
}

func (q *FakeQueue) Nack(_ context.Context, res *queue.Reservation, retryable bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, res.Job.ID)
	q.Nacked = append(q.Nacked, struct {
		ID        string
		Retryable bool
	}{res.Job.ID, retryable})

	if retryable {
		job := res.Job
		job.Attempt++
		q.waiting = append(q.waiting, job)
		return nil
	}
	delete(q.ids, res.Job.ID)
	return nil
}

// Len reports the number of jobs currently waiting, for test assertions.
func (q *FakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}
