package worker_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/txgate/internal/domain"
	"github.com/SirClappington/txgate/internal/queue"
	"github.com/SirClappington/txgate/internal/testsupport"
	"github.com/SirClappington/txgate/internal/worker"
)

func newPool(store *testsupport.FakeStore, q *testsupport.FakeQueue, posting *testsupport.FakePosting) *worker.Pool {
	return worker.New(store, posting, q, worker.Config{
		Concurrency: 1,
		MaxRetries:  5,
		RetryBase:   time.Millisecond,
		ReserveWait: 10 * time.Millisecond,
	}, zap.NewNop())
}

func seedPendingJob(t *testing.T, store *testsupport.FakeStore, q *testsupport.FakeQueue, id string) {
	t.Helper()
	ctx := context.Background()
	tx := domain.Transaction{ID: id, Amount: 10, Currency: "USD", Description: "d", Timestamp: time.Now()}
	if _, err := store.CreateIfAbsent(ctx, id, time.Now()); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	if err := q.Enqueue(ctx, tx, time.Now()); err != nil {
		t.Fatalf("seed enqueue: %v", err)
	}
}

// drainOne runs the pool for 200ms and then cancels it, so every job queued
// in that window is processed (the tests using it seed exactly one). Since
// Pool.Run blocks until its context ends, tests drive the protocol via a
// short-lived context and then assert on the fake store's state.
func drainOne(t *testing.T, p *worker.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)
}

func TestWorker_HappyPath(t *testing.T) {
	store := testsupport.NewFakeStore()
	q := testsupport.NewFakeQueue()
	posting := testsupport.NewFakePosting()
	seedPendingJob(t, store, q, "t1")

	drainOne(t, newPool(store, q, posting))

	st, ok := store.Snapshot("t1")
	if !ok {
		t.Fatal("expected state record")
	}
	if st.Status != domain.StatusCompleted {
		t.Fatalf("want completed, got %s", st.Status)
	}
	if posting.RecordCount() != 1 {
		t.Fatalf("want exactly 1 downstream record, got %d", posting.RecordCount())
	}
	if len(q.Acked) != 1 {
		t.Fatalf("want 1 ack, got %d", len(q.Acked))
	}
}

func TestWorker_PreExistingDownstreamRecord(t *testing.T) {
	store := testsupport.NewFakeStore()
	q := testsupport.NewFakeQueue()
	posting := testsupport.NewFakePosting()
	posting.Seed("t3")
	seedPendingJob(t, store, q, "t3")

	drainOne(t, newPool(store, q, posting))

	st, _ := store.Snapshot("t3")
	if st.Status != domain.StatusCompleted {
		t.Fatalf("want completed, got %s", st.Status)
	}
	if posting.PostCalls != 0 {
		t.Fatalf("want no POST when downstream already has the record, got %d calls", posting.PostCalls)
	}
}

func TestWorker_PostWriteFailureConfirmedByVerification(t *testing.T) {
	store := testsupport.NewFakeStore()
	q := testsupport.NewFakeQueue()
	posting := testsupport.NewFakePosting()
	posting.PostErrN = 1
	posting.FailPostWithoutWriting = false // the ack was lost, but the write happened
	seedPendingJob(t, store, q, "t4")

	drainOne(t, newPool(store, q, posting))

	st, _ := store.Snapshot("t4")
	if st.Status != domain.StatusCompleted {
		t.Fatalf("want completed via post-write verification, got %s", st.Status)
	}
	if posting.RecordCount() != 1 {
		t.Fatalf("want exactly 1 downstream record, got %d", posting.RecordCount())
	}
	if len(q.Nacked) != 0 {
		t.Fatalf("want no nack for a confirmed post-write failure, got %d", len(q.Nacked))
	}
}

func TestWorker_PreWriteFailureThenSuccess(t *testing.T) {
	store := testsupport.NewFakeStore()
	q := testsupport.NewFakeQueue()
	posting := testsupport.NewFakePosting()
	posting.PostErrN = 2
	posting.FailPostWithoutWriting = true
	seedPendingJob(t, store, q, "t5")

	// Run the pool for 2s, long enough for the retries to be redelivered and
	// processed.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pool := newPool(store, q, posting)
	_ = pool.Run(ctx)

	st, ok := store.Snapshot("t5")
	if !ok {
		t.Fatal("expected state record")
	}
	if st.Status != domain.StatusCompleted {
		t.Fatalf("want eventual completed, got %s (retry count %d)", st.Status, st.RetryCount)
	}
	if st.RetryCount < 2 {
		t.Fatalf("want retryCount >= 2, got %d", st.RetryCount)
	}
	if posting.RecordCount() != 1 {
		t.Fatalf("want exactly 1 downstream record, got %d", posting.RecordCount())
	}
}

func TestWorker_PersistentFailureExceedsMaxRetries(t *testing.T) {
	store := testsupport.NewFakeStore()
	q := testsupport.NewFakeQueue()
	posting := testsupport.NewFakePosting()
	posting.PostErrN = 1000 // always fails
	posting.FailPostWithoutWriting = true
	seedPendingJob(t, store, q, "t6")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pool := newPool(store, q, posting)
	_ = pool.Run(ctx)

	st, ok := store.Snapshot("t6")
	if !ok {
		t.Fatal("expected state record")
	}
	if st.Status != domain.StatusFailed {
		t.Fatalf("want failed after max retries, got %s", st.Status)
	}
	if st.Error == nil {
		t.Fatal("want error cause recorded")
	}
	if posting.RecordCount() != 0 {
		t.Fatalf("want no downstream record, got %d", posting.RecordCount())
	}
	if q.Len() != 0 {
		t.Fatalf("want no further redelivery after terminal failure, got %d waiting", q.Len())
	}
}

// Sanity check that the queue-level duplicate-job error is distinct from
// the "no job available" sentinel the worker loop treats as idle.
func TestQueueSentinelsAreDistinct(t *testing.T) {
	if queue.ErrDuplicateJob == queue.ErrNoJob {
		t.Fatal("ErrDuplicateJob and ErrNoJob must be distinct sentinels")
	}
}
