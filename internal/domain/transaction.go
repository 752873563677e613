// Package domain defines the core types shared by the state store, queue,
// submission service, and worker pool.
package domain

import (
	"time"

	"github.com/pkg/errors"
)

// Transaction is a client-submitted intent to record a financial event
// downstream. ID is client-chosen and doubles as the idempotency key.
type Transaction struct {
	ID          string         `json:"id"`
	Amount      float64        `json:"amount"`
	Currency    string         `json:"currency"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// FieldIssue is a single field-level validation failure.
type FieldIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError carries the field issues for a 400 response.
type ValidationError struct {
	Issues []FieldIssue
}

func (e *ValidationError) Error() string {
	return "validation failed"
}

// Validate checks tx against the schema in the data model. It returns a
// *ValidationError (never a bare error) so callers can render field issues.
func (tx *Transaction) Validate() error {
	var issues []FieldIssue

	if tx.ID == "" {
		issues = append(issues, FieldIssue{Path: "id", Message: "must not be empty"})
	}
	if tx.Amount <= 0 {
		issues = append(issues, FieldIssue{Path: "amount", Message: "must be strictly positive"})
	}
	if len(tx.Currency) != 3 {
		issues = append(issues, FieldIssue{Path: "currency", Message: "must be exactly three characters"})
	}
	if tx.Description == "" {
		issues = append(issues, FieldIssue{Path: "description", Message: "must not be empty"})
	}
	if tx.Timestamp.IsZero() {
		issues = append(issues, FieldIssue{Path: "timestamp", Message: "must be a valid ISO-8601 datetime"})
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// Status is a TransactionState's position in the lifecycle DAG.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TransactionState is the mutable record owned by the State Store.
type TransactionState struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	SubmittedAt  time.Time  `json:"submittedAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	RetryCount   int        `json:"retryCount"`
	Error        *string    `json:"error,omitempty"`
}

// CanTransitionTo reports whether the DAG in the data model permits moving
// from s to next. Same-status processing->processing retries are allowed;
// nothing leaves a terminal status.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// ErrInvalidTransition is returned by state store writers when a caller
// attempts a transition the DAG forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// QueueJob is the unit of work carried by the Work Queue. Job id equals
// transaction id.
type QueueJob struct {
	ID        string      `json:"id"`
	Payload   Transaction `json:"payload"`
	Attempt   int         `json:"attempt"`
	NotBefore time.Time   `json:"notBefore"`
}
