package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError wraps a non-2xx response from the x402 facilitator.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("x402: unexpected status %d: %s", e.Code, e.Body)
}

// X402Client is a Sink backed by the x402 facilitator's HTTP escrow API.
// Grounded on the prototype's X402Client: a bearer-authenticated HTTP
// client hitting /escrow/lock, /escrow/release, and /escrow/split, with
// lock and split retried on transient failure and release attempted once
// (a release failure must surface immediately rather than risk a
// double-pay on retry of a call whose first attempt may have already
// succeeded server-side).
type X402Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   retryPolicy
}

// NewX402Client constructs a client against baseURL, authenticating with
// apiKey. If httpClient is nil, a client with a 30s timeout is used,
// matching the prototype's default.
func NewX402Client(baseURL, apiKey string, httpClient *http.Client) (*X402Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("x402: base URL is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("x402: API key is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &X402Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  httpClient,
		retry:   defaultRetryPolicy(),
	}, nil
}

type lockRequest struct {
	WorkflowID string  `json:"workflow_id"`
	Amount     float64 `json:"amount"`
	PosterID   string  `json:"poster_id"`
	ExecutorID string  `json:"executor_id"`
}

type lockResponse struct {
	EscrowID string `json:"escrow_id"`
}

// Lock posts a lock request to /escrow/lock, retrying on transient
// failure.
func (c *X402Client) Lock(ctx context.Context, workflowID string, amount float64, posterID, executorID string) (string, error) {
	req := lockRequest{WorkflowID: workflowID, Amount: amount, PosterID: posterID, ExecutorID: executorID}
	var resp lockResponse
	err := c.retry.run(ctx, func() error {
		return c.postJSON(ctx, "/escrow/lock", req, &resp)
	})
	if err != nil {
		return "", err
	}
	return resp.EscrowID, nil
}

type releaseRequest struct {
	EscrowID    string  `json:"escrow_id"`
	Amount      float64 `json:"amount"`
	RecipientID string  `json:"recipient_id"`
	Reason      string  `json:"reason"`
}

// Release posts a release request to /escrow/release. Not retried:
// unlike lock and split, a release that times out mid-flight may have
// already been applied, so retrying risks a double payment.
func (c *X402Client) Release(ctx context.Context, escrowID string, amount float64, recipientID, reason string) error {
	req := releaseRequest{EscrowID: escrowID, Amount: amount, RecipientID: recipientID, Reason: reason}
	return c.postJSON(ctx, "/escrow/release", req, nil)
}

type splitRequest struct {
	EscrowID string  `json:"escrow_id"`
	Splits   []Split `json:"splits"`
}

// Split posts a split request to /escrow/split, retrying on transient
// failure.
func (c *X402Client) Split(ctx context.Context, escrowID string, splits []Split) error {
	req := splitRequest{EscrowID: escrowID, Splits: splits}
	return c.retry.run(ctx, func() error {
		return c.postJSON(ctx, "/escrow/split", req, nil)
	})
}

func (c *X402Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("x402: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("x402: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("x402: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("x402: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("x402: decode response: %w", err)
		}
	}
	return nil
}
