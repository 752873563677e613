// Package testsupport provides in-memory fakes for the state store, queue,
// and posting client, satisfying the same interfaces their production
// implementations do, so the submission service and worker pool can be
// unit tested without Postgres or Redis.
package testsupport

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/txgate/internal/domain"
	"github.com/SirClappington/txgate/internal/statestore"
)

// ErrAlreadyExists is an alias for statestore.ErrAlreadyExists, re-exported
// so callers wiring classifier predicates in tests don't need to import
// internal/statestore just for the sentinel.
var ErrAlreadyExists = statestore.ErrAlreadyExists

// FakeStore is an in-memory state store satisfying the same interfaces
// submission.StateStore and worker.StateStore depend on.
type FakeStore struct {
	mu     sync.Mutex
	states map[string]domain.TransactionState
}

// NewFakeStore builds an empty store.
func NewFakeStore() *FakeStore {
	return &FakeStore{states: make(map[string]domain.TransactionState)}
}

func (f *FakeStore) Get(_ context.Context, id string) (*domain.TransactionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return nil, statestore.ErrNotFound
	}
	out := st
	return &out, nil
}

func (f *FakeStore) CreateIfAbsent(_ context.Context, id string, now time.Time) (*domain.TransactionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[id]; ok {
		out := st
		return &out, statestore.ErrAlreadyExists
	}
	st := domain.TransactionState{ID: id, Status: domain.StatusPending, SubmittedAt: now, UpdatedAt: now}
	f.states[id] = st
	out := st
	return &out, nil
}

func (f *FakeStore) Put(_ context.Context, st *domain.TransactionState, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.states[st.ID]
	if !ok {
		return statestore.ErrNotFound
	}
	if !current.Status.CanTransitionTo(st.Status) {
		return errors.Wrapf(domain.ErrInvalidTransition, "%s -> %s", current.Status, st.Status)
	}
	st.UpdatedAt = now
	st.SubmittedAt = current.SubmittedAt
	f.states[st.ID] = *st
	return nil
}

// Snapshot returns a copy of the current state for assertions.
func (f *FakeStore) Snapshot(id string) (domain.TransactionState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	return st, ok
}
