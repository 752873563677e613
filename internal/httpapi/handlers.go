package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SirClappington/txgate/internal/domain"
)

// Submitter is the subset of *submission.Service the HTTP layer calls.
type Submitter interface {
	Submit(ctx context.Context, tx domain.Transaction) (SubmitOutcome, error)
	GetStatus(ctx context.Context, id string) (*domain.TransactionState, error)
}

// SubmitOutcome mirrors submission.Outcome; declared here to avoid this
// transport package importing submission's internals beyond the call
// signature (Handlers is wired to the concrete type in the composition
// root via the adapter in adapters.go).
type SubmitOutcome struct {
	State         domain.TransactionState
	Replayed      bool
	AlreadyQueued bool
}

// QueueHealth is the subset of internal/queue.Metrics exposed on
// GET /api/health.
type QueueHealth struct {
	Status  string           `json:"status"`
	Metrics map[string]int64 `json:"metrics"`
}

// HealthPinger checks store/queue reachability for the health endpoint.
type HealthPinger interface {
	PingStore(ctx context.Context) error
	QueueHealth(ctx context.Context) QueueHealth
}

// Handlers implements the three HTTP operations: submit, get status, and
// health.
type Handlers struct {
	svc    Submitter
	health HealthPinger
	log    *zap.Logger
}

// NewHandlers builds Handlers.
func NewHandlers(svc Submitter, health HealthPinger, log *zap.Logger) *Handlers {
	return &Handlers{svc: svc, health: health, log: log.Named("httpapi")}
}

type submitResponse struct {
	ID          string        `json:"id"`
	Status      domain.Status `json:"status"`
	SubmittedAt time.Time     `json:"submittedAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Error       *string       `json:"error,omitempty"`
	Message     string        `json:"message,omitempty"`
}

type validationResponse struct {
	Error   string              `json:"error"`
	Details []domain.FieldIssue `json:"details"`
}

// Submit handles POST /api/transactions.
func (h *Handlers) Submit(w http.ResponseWriter, r *http.Request) {
	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, validationResponse{
			Error:   "Validation failed",
			Details: []domain.FieldIssue{{Path: "body", Message: "malformed JSON: " + err.Error()}},
		})
		return
	}

	outcome, err := h.svc.Submit(r.Context(), tx)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, validationResponse{Error: "Validation failed", Details: verr.Issues})
			return
		}
		h.log.Error("submit failed", zap.String("tx_id", tx.ID), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
		return
	}

	st := outcome.State
	switch {
	case outcome.Replayed:
		writeJSON(w, http.StatusOK, submitResponse{
			ID: st.ID, Status: st.Status, SubmittedAt: st.SubmittedAt,
			CompletedAt: st.CompletedAt, Error: st.Error, Message: "already processed",
		})
	case outcome.AlreadyQueued:
		writeJSON(w, http.StatusAccepted, submitResponse{
			ID: st.ID, Status: st.Status, SubmittedAt: st.SubmittedAt, Message: "already queued",
		})
	default:
		writeJSON(w, http.StatusAccepted, submitResponse{
			ID: st.ID, Status: st.Status, SubmittedAt: st.SubmittedAt,
		})
	}
}

// GetStatus handles GET /api/transactions/{id}.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, err := h.svc.GetStatus(r.Context(), id)
	if err != nil {
		if IsNotFound(err) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		h.log.Error("get status failed", zap.String("tx_id", id), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		ID: st.ID, Status: st.Status, SubmittedAt: st.SubmittedAt,
		CompletedAt: st.CompletedAt, Error: st.Error,
	})
}

type healthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Services  map[string]any `json:"services"`
}

// Health handles GET /api/health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	storeErr := h.health.PingStore(r.Context())
	qh := h.health.QueueHealth(r.Context())

	storeStatus := "up"
	overall := "ok"
	if storeErr != nil {
		storeStatus = "down"
		overall = "degraded"
	}

	resp := healthResponse{
		Status:    overall,
		Timestamp: time.Now(),
		Services: map[string]any{
			"store": map[string]string{"status": storeStatus},
			"queue": qh,
		},
	}

	code := http.StatusOK
	if storeErr != nil {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
