// Package worker implements the bounded-concurrency worker pool and the
// posting protocol that gives each accepted transaction exactly-once
// downstream effect.
package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/txgate/internal/domain"
	"github.com/SirClappington/txgate/internal/posting"
	"github.com/SirClappington/txgate/internal/queue"
)

// StateStore is the subset of internal/statestore.Store the worker pool
// needs.
type StateStore interface {
	Put(ctx context.Context, st *domain.TransactionState, now time.Time) error
}

// Poster is the subset of internal/posting.Client the protocol needs.
type Poster interface {
	Get(ctx context.Context, id string) (posting.GetResult, error)
	Post(ctx context.Context, tx domain.Transaction) error
}

// Queue is the subset of internal/queue.Queue the worker pool needs.
type Queue interface {
	Reserve(ctx context.Context, block time.Duration) (*queue.Reservation, error)
	Ack(ctx context.Context, res *queue.Reservation) error
	Nack(ctx context.Context, res *queue.Reservation, retryable bool) error
}

// Outcome is the tagged result of running the posting protocol once for a
// job, used in place of exception-style control flow.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRetryPreWrite
	OutcomeTerminalFailure
)

// Pool runs N workers concurrently, each executing the posting protocol
// for every reserved job.
type Pool struct {
	store       StateStore
	posting     Poster
	queue       Queue
	concurrency int
	maxRetries  int
	retryBase   time.Duration
	reserveWait time.Duration
	log         *zap.Logger
	now         func() time.Time
}

// Config bundles the pool's tunables.
type Config struct {
	Concurrency int
	MaxRetries  int
	RetryBase   time.Duration
	ReserveWait time.Duration
}

// New builds a Pool.
func New(store StateStore, postingClient Poster, q Queue, cfg Config, log *zap.Logger) *Pool {
	return &Pool{
		store:       store,
		posting:     postingClient,
		queue:       q,
		concurrency: cfg.Concurrency,
		maxRetries:  cfg.MaxRetries,
		retryBase:   cfg.RetryBase,
		reserveWait: cfg.ReserveWait,
		log:         log.Named("worker"),
		now:         time.Now,
	}
}

// Run starts concurrency workers and blocks until ctx is cancelled. On
// cancellation, workers finish their current job (no mid-step
// cancellation) before returning.
func (p *Pool) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(p.concurrency)

	for i := 0; i < p.concurrency; i++ {
		workerID := i
		g.Go(func() error {
			p.loop(ctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

// loop repeatedly reserves and processes jobs until stopCtx is cancelled.
func (p *Pool) loop(stopCtx context.Context, workerID int) {
	log := p.log.With(zap.Int("worker_id", workerID))
	for {
		select {
		case <-stopCtx.Done():
			return
		default:
		}

		res, err := p.queue.Reserve(stopCtx, p.reserveWait)
		if err != nil {
			if errors.Cause(err) == queue.ErrNoJob {
				continue
			}
			if stopCtx.Err() != nil {
				return
			}
			log.Warn("reserve failed", zap.Error(err))
			continue
		}

		// Use a detached background context for the protocol itself so a
		// shutdown signal never cancels mid-step; stopCtx only gates whether
		// we pick up the *next* job.
		p.processOne(context.Background(), log, res)
	}
}

// processOne runs the full posting protocol for one reservation and
// acks/nacks accordingly. It never panics or returns an error to the
// caller: every failure is converted into a state update and a nack.
func (p *Pool) processOne(ctx context.Context, log *zap.Logger, res *queue.Reservation) {
	tx := res.Job.Payload
	attempt := res.Job.Attempt
	log = log.With(zap.String("tx_id", tx.ID), zap.Int("attempt", attempt))

	outcome, cause := p.runProtocol(ctx, log, tx, attempt)

	switch outcome {
	case OutcomeCompleted:
		// A failed write here must not reach Ack: a store failure during
		// processing is transient, and acking now with the state stuck short
		// of completed would drop the job with nothing left to redeliver it.
		// Once the attempts are used up, the queue quarantines the job on this
		// nack as well.
		if err := p.markCompleted(ctx, tx.ID, attempt); err != nil {
			log.Error("failed to persist completed state, nacking for retry", zap.Error(err))
			if err := p.queue.Nack(ctx, res, true); err != nil {
				log.Error("nack(retryable) failed", zap.Error(err))
			}
			return
		}
		if err := p.queue.Ack(ctx, res); err != nil {
			log.Error("ack failed", zap.Error(err))
		}
	case OutcomeRetryPreWrite:
		nextAttempt := attempt + 1
		errMsg := cause.Error()
		if err := p.markRetrying(ctx, tx.ID, nextAttempt, errMsg); err != nil {
			log.Error("failed to persist retry state", zap.Error(err))
		}
		if err := p.queue.Nack(ctx, res, true); err != nil {
			log.Error("nack(retryable) failed", zap.Error(err))
		}
	case OutcomeTerminalFailure:
		// If the terminal write didn't land, nack retryable rather than
		// terminal. This branch is only reached on the last attempt, so with
		// the pool and queue sharing one retry limit (as cmd/worker wires
		// them) queue.Queue moves the job to its failed set on this nack too,
		// and the state record stays at processing until its TTL expires.
		errMsg := "max retries exceeded: " + cause.Error()
		if err := p.markFailed(ctx, tx.ID, attempt, errMsg); err != nil {
			log.Error("failed to persist failed state, nacking for retry", zap.Error(err))
			if err := p.queue.Nack(ctx, res, true); err != nil {
				log.Error("nack(retryable) failed", zap.Error(err))
			}
			return
		}
		if err := p.queue.Nack(ctx, res, false); err != nil {
			log.Error("nack(terminal) failed", zap.Error(err))
		}
	}
}

// runProtocol executes one attempt of the GET-before-POST /
// GET-after-POST-failure posting protocol. It never touches the queue;
// callers translate the Outcome into ack/nack.
func (p *Pool) runProtocol(ctx context.Context, log *zap.Logger, tx domain.Transaction, attempt int) (Outcome, error) {
	// Step 1: enter processing. A write failure here means we can't even
	// confirm "processing" is durably recorded, so stop before touching the
	// downstream and nack for retry rather than posting against unknown state.
	if err := p.markProcessing(ctx, tx.ID, attempt); err != nil {
		return p.retryOrFail(attempt, errors.Wrap(err, "persist processing state"))
	}

	// Step 2: GET-before-POST.
	get, err := p.posting.Get(ctx, tx.ID)
	if err != nil {
		log.Info("pre-post get failed, treating as pre-write failure", zap.Error(err))
		return p.retryOrFail(attempt, errors.Wrap(err, "get failed"))
	}
	if get.Present {
		log.Info("downstream already has record, short-circuiting to completed")
		return OutcomeCompleted, nil
	}

	// Step 3: POST.
	postErr := p.posting.Post(ctx, tx)
	if postErr == nil {
		return OutcomeCompleted, nil
	}

	// Step 4: post-failure verification. Wait base*2^attempt to damp retry
	// storms and give the downstream time to make the record visible, then
	// check again.
	delay := p.retryBase * time.Duration(1<<uint(attempt))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}

	verify, verifyErr := p.posting.Get(ctx, tx.ID)
	if verifyErr != nil {
		// Conservative choice: treat a failed verification GET as pre-write.
		log.Info("verification get errored, treating as pre-write failure", zap.Error(verifyErr))
		return p.retryOrFail(attempt, errors.Wrap(postErr, "post failed, verification errored"))
	}
	if verify.Present {
		log.Info("post-write failure confirmed: record now visible downstream")
		return OutcomeCompleted, nil
	}

	return p.retryOrFail(attempt, errors.Wrap(postErr, "post failed, verification absent (pre-write failure)"))
}

// retryOrFail retries while attempts remain (the retry limit counts total
// attempts including the first), otherwise terminal failure.
func (p *Pool) retryOrFail(attempt int, cause error) (Outcome, error) {
	if attempt+1 < p.maxRetries {
		return OutcomeRetryPreWrite, cause
	}
	return OutcomeTerminalFailure, cause
}

func (p *Pool) markProcessing(ctx context.Context, id string, attempt int) error {
	return p.store.Put(ctx, &domain.TransactionState{
		ID:         id,
		Status:     domain.StatusProcessing,
		RetryCount: attempt,
	}, p.now())
}

func (p *Pool) markRetrying(ctx context.Context, id string, nextAttempt int, cause string) error {
	return p.store.Put(ctx, &domain.TransactionState{
		ID:         id,
		Status:     domain.StatusProcessing,
		RetryCount: nextAttempt,
		Error:      &cause,
	}, p.now())
}

func (p *Pool) markCompleted(ctx context.Context, id string, attempt int) error {
	now := p.now()
	return p.store.Put(ctx, &domain.TransactionState{
		ID:          id,
		Status:      domain.StatusCompleted,
		RetryCount:  attempt,
		CompletedAt: &now,
	}, now)
}

func (p *Pool) markFailed(ctx context.Context, id string, attempt int, cause string) error {
	now := p.now()
	return p.store.Put(ctx, &domain.TransactionState{
		ID:          id,
		Status:      domain.StatusFailed,
		RetryCount:  attempt,
		Error:       &cause,
		CompletedAt: &now,
	}, now)
}
