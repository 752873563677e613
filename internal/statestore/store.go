// Package statestore is the key/value store keyed by transaction id,
// backed by Postgres. It is the source of truth for externally observable
// status: every write carries a TTL deadline, enforced by a background
// reaper rather than native expiry, since Postgres has none.
package statestore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/txgate/internal/domain"
)

// ErrNotFound is returned by Get when no record exists for an id.
var ErrNotFound = errors.New("statestore: not found")

// ErrAlreadyExists is returned by CreateIfAbsent when a record already
// exists for the id; the caller treats this as "already accepted".
var ErrAlreadyExists = errors.New("statestore: already exists")

// Store is a Postgres-backed implementation of the state store contract.
// All methods are safe for concurrent use; per-id serialization is
// provided by the queue's per-job exclusion, not by this type.
type Store struct {
	db  *pgxpool.Pool
	log *zap.Logger
	ttl time.Duration
}

// New wraps an already-connected pool. Callers own the pool's lifecycle.
func New(db *pgxpool.Pool, log *zap.Logger, ttl time.Duration) *Store {
	return &Store{db: db, log: log.Named("statestore"), ttl: ttl}
}

// Get fetches the current state for id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*domain.TransactionState, error) {
	row := s.db.QueryRow(ctx, `
		select id, status, submitted_at, updated_at, completed_at, retry_count, error
		  from transaction_states
		 where id = $1 and expires_at > now()`, id)

	st, err := scanState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get state")
	}
	return st, nil
}

// CreateIfAbsent atomically creates a pending record for id, or returns
// ErrAlreadyExists with the observed record if one already exists. This is
// the CAS create-if-absent required by the submission service's idempotent
// accept path.
func (s *Store) CreateIfAbsent(ctx context.Context, id string, now time.Time) (*domain.TransactionState, error) {
	st := &domain.TransactionState{
		ID:          id,
		Status:      domain.StatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	tag, err := s.db.Exec(ctx, `
		insert into transaction_states (id, status, submitted_at, updated_at, retry_count, expires_at)
		values ($1, $2, $3, $4, 0, $5)
		on conflict (id) do nothing`,
		id, st.Status, st.SubmittedAt, st.UpdatedAt, now.Add(s.ttl))
	if err != nil {
		return nil, errors.Wrap(err, "create state")
	}

	if tag.RowsAffected() == 0 {
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, errors.Wrap(getErr, "observe concurrent create")
		}
		return existing, ErrAlreadyExists
	}
	return st, nil
}

// Put writes a (possibly updated) state record, refreshing its TTL and
// enforcing the lifecycle DAG of domain.Status.CanTransitionTo. Same-status
// processing->processing writes (retries) are permitted.
func (s *Store) Put(ctx context.Context, st *domain.TransactionState, now time.Time) error {
	st.UpdatedAt = now

	tag, err := s.db.Exec(ctx, `
		update transaction_states
		   set status = $2,
		       updated_at = $3,
		       completed_at = $4,
		       retry_count = $5,
		       error = $6,
		       expires_at = $7
		 where id = $1
		   and expires_at > now()
		   and (
		         (status = 'pending' and $2 = 'processing')
		         or (status = 'processing' and $2 in ('processing', 'completed', 'failed'))
		       )`,
		st.ID, st.Status, st.UpdatedAt, st.CompletedAt, st.RetryCount, st.Error, now.Add(s.ttl))
	if err != nil {
		return errors.Wrap(err, "put state")
	}
	if tag.RowsAffected() == 0 {
		current, getErr := s.Get(ctx, st.ID)
		if getErr != nil {
			return errors.Wrap(getErr, "put state: re-fetch after no-op update")
		}
		if current.Status == st.Status {
			// Idempotent retry of an already-applied terminal write (e.g. two
			// holders of a redelivered job both marking it completed); not an
			// invariant violation, and the stored record is left as it was.
			return nil
		}
		return errors.Wrapf(domain.ErrInvalidTransition, "put state: %s -> %s", current.Status, st.Status)
	}
	return nil
}

// Delete removes a record explicitly (operator cleanup path).
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `delete from transaction_states where id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete state")
	}
	return nil
}

// Scan lists ids with the given prefix, for operational inspection. Not
// used on hot paths; results are bounded.
func (s *Store) Scan(ctx context.Context, prefix string, limit int) ([]*domain.TransactionState, error) {
	rows, err := s.db.Query(ctx, `
		select id, status, submitted_at, updated_at, completed_at, retry_count, error
		  from transaction_states
		 where id like $1 and expires_at > now()
		 order by submitted_at desc
		 limit $2`, prefix+"%", limit)
	if err != nil {
		return nil, errors.Wrap(err, "scan states")
	}
	defer rows.Close()

	var out []*domain.TransactionState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan states: row")
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Reap deletes records past their TTL. Run periodically from a background
// loop; Postgres has no native per-row expiry.
func (s *Store) Reap(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from transaction_states where expires_at <= now()`)
	if err != nil {
		return 0, errors.Wrap(err, "reap expired states")
	}
	return tag.RowsAffected(), nil
}

// RunReaper runs Reap on interval until ctx is cancelled.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Reap(ctx)
			if err != nil {
				s.log.Warn("reap failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("reaped expired transaction states", zap.Int64("count", n))
			}
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*domain.TransactionState, error) {
	var st domain.TransactionState
	if err := row.Scan(&st.ID, &st.Status, &st.SubmittedAt, &st.UpdatedAt, &st.CompletedAt, &st.RetryCount, &st.Error); err != nil {
		return nil, err
	}
	return &st, nil
}
