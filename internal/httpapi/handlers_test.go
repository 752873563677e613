package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/txgate/internal/domain"
	"github.com/SirClappington/txgate/internal/httpapi"
	"github.com/SirClappington/txgate/internal/statestore"
)

type stubSubmitter struct {
	submitOut httpapi.SubmitOutcome
	submitErr error
	status    *domain.TransactionState
	statusErr error
}

func (s *stubSubmitter) Submit(context.Context, domain.Transaction) (httpapi.SubmitOutcome, error) {
	return s.submitOut, s.submitErr
}

func (s *stubSubmitter) GetStatus(context.Context, string) (*domain.TransactionState, error) {
	return s.status, s.statusErr
}

type stubHealth struct {
	storeErr error
	health   httpapi.QueueHealth
}

func (h *stubHealth) PingStore(context.Context) error                { return h.storeErr }
func (h *stubHealth) QueueHealth(context.Context) httpapi.QueueHealth { return h.health }

func TestSubmit_Accepted(t *testing.T) {
	sub := &stubSubmitter{submitOut: httpapi.SubmitOutcome{
		State: domain.TransactionState{ID: "t1", Status: domain.StatusPending, SubmittedAt: time.Now()},
	}}
	h := httpapi.NewHandlers(sub, &stubHealth{}, zap.NewNop())
	router := httpapi.NewRouter(h, zap.NewNop())

	body, _ := json.Marshal(domain.Transaction{ID: "t1", Amount: 5, Currency: "USD", Description: "d", Timestamp: time.Now()})
	req := httptest.NewRequest(http.MethodPost, "/api/transactions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("want 202, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmit_ValidationError(t *testing.T) {
	sub := &stubSubmitter{submitErr: &domain.ValidationError{Issues: []domain.FieldIssue{{Path: "id", Message: "required"}}}}
	h := httpapi.NewHandlers(sub, &stubHealth{}, zap.NewNop())
	router := httpapi.NewRouter(h, zap.NewNop())

	body, _ := json.Marshal(domain.Transaction{})
	req := httptest.NewRequest(http.MethodPost, "/api/transactions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rec.Code)
	}
}

func TestSubmit_ReplayReturns200(t *testing.T) {
	completedAt := time.Now()
	sub := &stubSubmitter{submitOut: httpapi.SubmitOutcome{
		State:    domain.TransactionState{ID: "t2", Status: domain.StatusCompleted, CompletedAt: &completedAt},
		Replayed: true,
	}}
	h := httpapi.NewHandlers(sub, &stubHealth{}, zap.NewNop())
	router := httpapi.NewRouter(h, zap.NewNop())

	body, _ := json.Marshal(domain.Transaction{ID: "t2", Amount: 5, Currency: "USD", Description: "d", Timestamp: time.Now()})
	req := httptest.NewRequest(http.MethodPost, "/api/transactions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
}

func TestGetStatus_NotFound(t *testing.T) {
	sub := &stubSubmitter{statusErr: statestore.ErrNotFound}
	h := httpapi.NewHandlers(sub, &stubHealth{}, zap.NewNop())
	router := httpapi.NewRouter(h, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/transactions/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rec.Code)
	}
}

func TestHealth_Up(t *testing.T) {
	sub := &stubSubmitter{}
	health := &stubHealth{health: httpapi.QueueHealth{Status: "up", Metrics: map[string]int64{"waiting": 0}}}
	h := httpapi.NewHandlers(sub, health, zap.NewNop())
	router := httpapi.NewRouter(h, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
}

