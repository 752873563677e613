package domain_test

import (
	"testing"
	"time"

	"github.com/SirClappington/txgate/internal/domain"
)

func validTx() domain.Transaction {
	return domain.Transaction{
		ID:          "t1",
		Amount:      10,
		Currency:    "USD",
		Description: "a widget",
		Timestamp:   time.Now(),
	}
}

func TestValidate_Valid(t *testing.T) {
	tx := validTx()
	if err := tx.Validate(); err != nil {
		t.Fatalf("want no error, got %v", err)
	}
}

func TestValidate_FieldIssues(t *testing.T) {
	cases := []struct {
		name string
		tx   domain.Transaction
		path string
	}{
		{"empty id", func() domain.Transaction { tx := validTx(); tx.ID = ""; return tx }(), "id"},
		{"zero amount", func() domain.Transaction { tx := validTx(); tx.Amount = 0; return tx }(), "amount"},
		{"negative amount", func() domain.Transaction { tx := validTx(); tx.Amount = -5; return tx }(), "amount"},
		{"short currency", func() domain.Transaction { tx := validTx(); tx.Currency = "US"; return tx }(), "currency"},
		{"long currency", func() domain.Transaction { tx := validTx(); tx.Currency = "USDD"; return tx }(), "currency"},
		{"empty description", func() domain.Transaction { tx := validTx(); tx.Description = ""; return tx }(), "description"},
		{"zero timestamp", func() domain.Transaction { tx := validTx(); tx.Timestamp = time.Time{}; return tx }(), "timestamp"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.tx.Validate()
			if err == nil {
				t.Fatal("want validation error")
			}
			verr, ok := err.(*domain.ValidationError)
			if !ok {
				t.Fatalf("want *ValidationError, got %T", err)
			}
			found := false
			for _, issue := range verr.Issues {
				if issue.Path == c.path {
					found = true
				}
			}
			if !found {
				t.Fatalf("want an issue on path %q, got %+v", c.path, verr.Issues)
			}
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	if domain.StatusPending.Terminal() || domain.StatusProcessing.Terminal() {
		t.Fatal("pending/processing must not be terminal")
	}
	if !domain.StatusCompleted.Terminal() || !domain.StatusFailed.Terminal() {
		t.Fatal("completed/failed must be terminal")
	}
}

func TestStatus_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to domain.Status
		want     bool
	}{
		{domain.StatusPending, domain.StatusProcessing, true},
		{domain.StatusPending, domain.StatusCompleted, false},
		{domain.StatusProcessing, domain.StatusProcessing, true},
		{domain.StatusProcessing, domain.StatusCompleted, true},
		{domain.StatusProcessing, domain.StatusFailed, true},
		{domain.StatusCompleted, domain.StatusProcessing, false},
		{domain.StatusFailed, domain.StatusProcessing, false},
		{domain.StatusCompleted, domain.StatusCompleted, false},
	}

	for _, c := range cases {
		got := c.from.CanTransitionTo(c.to)
		if got != c.want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
