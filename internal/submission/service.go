// Package submission implements the HTTP-facing ingestion path: idempotent
// acceptance within a tight latency budget, independent of the HTTP
// framework so it can be unit tested without a router.
package submission

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/txgate/internal/domain"
)

// StateStore is the subset of internal/statestore.Store the submission
// service needs. Defined here (consumer side) so fakes in tests don't need
// a live Postgres connection.
type StateStore interface {
	Get(ctx context.Context, id string) (*domain.TransactionState, error)
	CreateIfAbsent(ctx context.Context, id string, now time.Time) (*domain.TransactionState, error)
}

// Queue is the subset of internal/queue.Queue the submission service needs.
type Queue interface {
	Enqueue(ctx context.Context, tx domain.Transaction, notBefore time.Time) error
}

// ErrClassifier lets the composition root tell the service which
// underlying store/queue sentinel errors mean "not a failure, already
// happened" rather than a true error, without this package importing
// internal/statestore or internal/queue directly.
type ErrClassifier func(error) bool

// Outcome is the result of a Submit call, shaped to cover both the 202
// accepted and 200 already-processed responses with one type.
type Outcome struct {
	State         domain.TransactionState
	Replayed      bool // true => 200 "already processed"
	AlreadyQueued bool // true => 202 "already queued" (a non-terminal record already exists)
}

// Service is the submission service's business logic.
type Service struct {
	store           StateStore
	queue           Queue
	isAlreadyExists ErrClassifier
	isDuplicateJob  ErrClassifier
	log             *zap.Logger
	now             func() time.Time
}

// New builds a Service.
//
//   - isAlreadyExists classifies a StateStore.CreateIfAbsent error as "a
//     record already exists" (statestore.ErrAlreadyExists).
//   - isDuplicateJob classifies a Queue.Enqueue error as "already enqueued"
//     (queue.ErrDuplicateJob).
func New(store StateStore, queue Queue, isAlreadyExists, isDuplicateJob ErrClassifier, log *zap.Logger) *Service {
	return &Service{
		store:           store,
		queue:           queue,
		isAlreadyExists: isAlreadyExists,
		isDuplicateJob:  isDuplicateJob,
		log:             log.Named("submission"),
		now:             time.Now,
	}
}

// Submit validates tx, then performs the idempotent accept path. It never
// returns a partial side effect: either the state record and enqueue both
// happen, or neither does (besides the benign orphan case where the state
// record is created but the enqueue fails, which the caller surfaces as a
// 503 and leaves for the TTL/sweep to clean up).
func (s *Service) Submit(ctx context.Context, tx domain.Transaction) (Outcome, error) {
	if err := tx.Validate(); err != nil {
		return Outcome{}, err
	}

	if existing, err := s.store.Get(ctx, tx.ID); err == nil && existing.Status.Terminal() {
		return Outcome{State: *existing, Replayed: true}, nil
	}

	created, err := s.store.CreateIfAbsent(ctx, tx.ID, s.now())
	if err != nil {
		if s.isAlreadyExists != nil && s.isAlreadyExists(err) && created != nil {
			// Lost the create race; the winner owns enqueueing. Surface
			// whatever status is now visible.
			return Outcome{State: *created, AlreadyQueued: true}, nil
		}
		return Outcome{}, errors.Wrap(err, "submit: create state")
	}

	if err := s.queue.Enqueue(ctx, tx, s.now()); err != nil {
		if s.isDuplicateJob != nil && s.isDuplicateJob(err) {
			return Outcome{State: *created}, nil
		}
		s.log.Error("enqueue failed after state create", zap.String("id", tx.ID), zap.Error(err))
		return Outcome{}, errors.Wrap(err, "submit: enqueue")
	}

	return Outcome{State: *created}, nil
}

// GetStatus returns the current state for id, or the store's not-found
// error unchanged so the caller can map it to 404.
func (s *Service) GetStatus(ctx context.Context, id string) (*domain.TransactionState, error) {
	return s.store.Get(ctx, id)
}
