package submission_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/txgate/internal/domain"
	"github.com/SirClappington/txgate/internal/submission"
	"github.com/SirClappington/txgate/internal/testsupport"
)

func newService(t *testing.T) (*submission.Service, *testsupport.FakeStore, *testsupport.FakeQueue) {
	t.Helper()
	store := testsupport.NewFakeStore()
	q := testsupport.NewFakeQueue()
	svc := submission.New(store, q,
		func(err error) bool { return err == testsupport.ErrAlreadyExists },
		func(err error) bool { return err == testsupport.ErrDuplicateJob },
		zap.NewNop())
	return svc, store, q
}

func validTx(id string) domain.Transaction {
	return domain.Transaction{
		ID:          id,
		Amount:      10,
		Currency:    "USD",
		Description: "test",
		Timestamp:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSubmit_HappyPath(t *testing.T) {
	svc, _, q := newService(t)
	ctx := context.Background()

	out, err := svc.Submit(ctx, validTx("t1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.State.Status != domain.StatusPending {
		t.Fatalf("want pending, got %s", out.State.Status)
	}
	if q.Len() != 1 {
		t.Fatalf("want 1 enqueued job, got %d", q.Len())
	}
}

func TestSubmit_Validation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, domain.Transaction{ID: "", Amount: -1})
	if err == nil {
		t.Fatal("want validation error")
	}
	verr, ok := err.(*domain.ValidationError)
	if !ok {
		t.Fatalf("want *domain.ValidationError, got %T", err)
	}
	if len(verr.Issues) == 0 {
		t.Fatal("want field issues")
	}
}

func TestSubmit_TripleSubmission(t *testing.T) {
	svc, _, q := newService(t)
	ctx := context.Background()
	tx := validTx("t2")

	first, err := svc.Submit(ctx, tx)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if first.Replayed || first.AlreadyQueued {
		t.Fatalf("first submission should be a fresh accept, got %+v", first)
	}

	second, err := svc.Submit(ctx, tx)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !second.AlreadyQueued && !second.Replayed {
		t.Fatalf("second submission should be flagged as a replay, got %+v", second)
	}

	third, err := svc.Submit(ctx, tx)
	if err != nil {
		t.Fatalf("third submit: %v", err)
	}
	if !third.AlreadyQueued && !third.Replayed {
		t.Fatalf("third submission should be flagged as a replay, got %+v", third)
	}

	if q.Len() != 1 {
		t.Fatalf("want exactly one enqueued job across 3 submissions, got %d", q.Len())
	}
}

func TestSubmit_ReplayAfterTerminal(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	tx := validTx("t3")

	if _, err := svc.Submit(ctx, tx); err != nil {
		t.Fatalf("submit: %v", err)
	}

	completedAt := time.Now()
	if err := store.Put(ctx, &domain.TransactionState{
		ID: "t3", Status: domain.StatusProcessing,
	}, time.Now()); err != nil {
		t.Fatalf("advance to processing: %v", err)
	}
	if err := store.Put(ctx, &domain.TransactionState{
		ID: "t3", Status: domain.StatusCompleted, CompletedAt: &completedAt,
	}, time.Now()); err != nil {
		t.Fatalf("advance to completed: %v", err)
	}

	out, err := svc.Submit(ctx, tx)
	if err != nil {
		t.Fatalf("replay submit: %v", err)
	}
	if !out.Replayed {
		t.Fatalf("want replayed outcome after terminal state, got %+v", out)
	}
	if out.State.Status != domain.StatusCompleted {
		t.Fatalf("want completed, got %s", out.State.Status)
	}
}

func TestGetStatus_NotFound(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.GetStatus(context.Background(), "missing"); err == nil {
		t.Fatal("want not-found error")
	}
}
