package testsupport

import (
	"context"
	"sync"

	"github.com/SirClappington/txgate/internal/domain"
	"github.com/SirClappington/txgate/internal/posting"
)

// FakePosting is a scriptable downstream posting service double, used to
// exercise present-on-get, post-then-fail, post-write-ambiguity, pre-write
// failure, and persistent failure scenarios.
type FakePosting struct {
	mu sync.Mutex

	// records holds ids the downstream "has". Post adds to it unless
	// FailPostWithoutWriting is set.
	records map[string]bool

	// GetErr, if set, is returned by every Get call.
	GetErr error

	// PostErrN, if > 0, makes the next N Post calls fail. When
	// FailPostWithoutWriting is false, a failing Post still writes the
	// record (simulating a post-write/ack-lost failure); when true, it does
	// not (simulating a true pre-write failure).
	PostErrN               int
	FailPostWithoutWriting bool

	GetCalls  int
	PostCalls int
}

// NewFakePosting builds an empty double.
func NewFakePosting() *FakePosting {
	return &FakePosting{records: make(map[string]bool)}
}

// Seed marks id as already present downstream, simulating an
// operator-posted or previously-succeeded record.
func (f *FakePosting) Seed(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[id] = true
}

func (f *FakePosting) Get(_ context.Context, id string) (posting.GetResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetCalls++
	if f.GetErr != nil {
		return posting.GetResult{}, f.GetErr
	}
	if f.records[id] {
		return posting.GetResult{Present: true, Record: &posting.Record{ID: id}}, nil
	}
	return posting.GetResult{Present: false}, nil
}

func (f *FakePosting) Post(_ context.Context, tx domain.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PostCalls++
	if f.PostErrN > 0 {
		f.PostErrN--
		if !f.FailPostWithoutWriting {
			f.records[tx.ID] = true
		}
		return errPostFailed
	}
	f.records[tx.ID] = true
	return nil
}

// RecordCount reports how many distinct ids the downstream holds, for
// asserting "exactly one downstream record" in tests.
func (f *FakePosting) RecordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

var errPostFailed = postError{"post failed"}

type postError struct{ msg string }

func (e postError) Error() string { return e.msg }
