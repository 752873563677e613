package httpapi

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/txgate/internal/domain"
	"github.com/SirClappington/txgate/internal/queue"
	"github.com/SirClappington/txgate/internal/statestore"
	"github.com/SirClappington/txgate/internal/submission"
)

// SubmissionAdapter adapts *submission.Service to the Submitter interface
// this package depends on, translating submission.Outcome to
// SubmitOutcome. GetStatus passes the store's errors through unchanged;
// the handler detects a missing record with IsNotFound.
type SubmissionAdapter struct {
	svc *submission.Service
}

// NewSubmissionAdapter wraps svc.
func NewSubmissionAdapter(svc *submission.Service) *SubmissionAdapter {
	return &SubmissionAdapter{svc: svc}
}

func (a *SubmissionAdapter) Submit(ctx context.Context, tx domain.Transaction) (SubmitOutcome, error) {
	out, err := a.svc.Submit(ctx, tx)
	if err != nil {
		return SubmitOutcome{}, err
	}
	return SubmitOutcome{State: out.State, Replayed: out.Replayed, AlreadyQueued: out.AlreadyQueued}, nil
}

func (a *SubmissionAdapter) GetStatus(ctx context.Context, id string) (*domain.TransactionState, error) {
	return a.svc.GetStatus(ctx, id)
}

// HealthAdapter wires the state store and queue into the HealthPinger
// contract the /api/health handler needs.
type HealthAdapter struct {
	store *statestore.Store
	queue *queue.Queue
	log   *zap.Logger
}

// NewHealthAdapter builds a HealthAdapter.
func NewHealthAdapter(store *statestore.Store, q *queue.Queue, log *zap.Logger) *HealthAdapter {
	return &HealthAdapter{store: store, queue: q, log: log.Named("health")}
}

func (a *HealthAdapter) PingStore(ctx context.Context) error {
	_, err := a.store.Scan(ctx, "", 1)
	return err
}

func (a *HealthAdapter) QueueHealth(ctx context.Context) QueueHealth {
	m, err := a.queue.Metrics(ctx)
	if err != nil {
		a.log.Warn("queue metrics unavailable", zap.Error(err))
		return QueueHealth{Status: "down", Metrics: map[string]int64{}}
	}
	return QueueHealth{
		Status: "up",
		Metrics: map[string]int64{
			"waiting":   m.Waiting,
			"active":    m.Active,
			"completed": m.Completed,
			"failed":    m.Failed,
			"delayed":   m.Delayed,
			"total":     m.Total,
		},
	}
}

// IsNotFound reports whether err is the store's not-found sentinel;
// Handlers.GetStatus uses it to answer 404.
func IsNotFound(err error) bool { return errors.Is(err, statestore.ErrNotFound) }

// IsAlreadyExists classifies CreateIfAbsent's race-lost error.
func IsAlreadyExists(err error) bool { return errors.Is(err, statestore.ErrAlreadyExists) }

// IsDuplicateJob classifies Enqueue's dedup-no-op error.
func IsDuplicateJob(err error) bool { return errors.Is(err, queue.ErrDuplicateJob) }
