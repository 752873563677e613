// Package posting implements the stateless HTTP client to the downstream
// posting service. The downstream's native API is not idempotent; this
// client exposes exactly the two primitives the protocol needs and leaves
// retries to the caller.
package posting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/txgate/internal/domain"
)

// Record is the downstream's representation of a posted transaction, as
// returned by GET.
type Record struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

// GetResult is the outcome of a GET call: exactly one of Present, Absent,
// or a non-nil error is meaningful.
type GetResult struct {
	Present bool
	Record  *Record
}

// Client is a bounded-timeout HTTP client to the downstream. It never
// retries internally: retries belong to the queue.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL with a per-call timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// Get checks whether the downstream already holds a record for id. HTTP
// 200 maps to Present, 404 to Absent; anything else (including transport
// errors) is an error the caller must treat as inconclusive.
func (c *Client) Get(ctx context.Context, id string) (GetResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transactions/"+id, nil)
	if err != nil {
		return GetResult{}, errors.Wrap(err, "posting: build get request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return GetResult{}, errors.Wrap(err, "posting: get request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var rec Record
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return GetResult{}, errors.Wrap(err, "posting: decode get response")
		}
		return GetResult{Present: true, Record: &rec}, nil
	case http.StatusNotFound:
		return GetResult{Present: false}, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
		return GetResult{}, errors.Errorf("posting: get returned unexpected status %d: %s", resp.StatusCode, body)
	}
}

// Post submits tx to the downstream. A 2xx response is success; anything
// else is an error whose meaning (pre-write vs post-write) the caller
// resolves with a follow-up Get.
func (c *Client) Post(ctx context.Context, tx domain.Transaction) error {
	body, err := json.Marshal(tx)
	if err != nil {
		return errors.Wrap(err, "posting: marshal transaction")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "posting: build post request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "posting: post request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
		return errors.Errorf("posting: post returned status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// String is used in log fields when a *Client needs to identify itself.
func (c *Client) String() string {
	return fmt.Sprintf("posting.Client(%s)", c.baseURL)
}
