// Package embedder is a narrow HTTP client for the external embedding
// service: a health probe and a single embed call, both with bounded
// retry. It's deliberately not an SDK wrapper — the embedding service is
// a bespoke local process, not a cloud provider — so this is plain
// net/http, in the same spirit as the teacher's narrow internal HTTP
// clients (internal/rpc/client.go) rather than a generated client.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/storex"
)

// Client talks to the external embedding service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client (e.g. for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries overrides the default retry budget for health probes and
// embed calls.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

// New builds a Client pointed at baseURL (e.g. "http://localhost:8088").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Healthy probes the embedding service's health endpoint, retrying
// transient failures with bounded exponential backoff.
func (c *Client) Healthy(ctx context.Context) bool {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("embedder health: status %d", resp.StatusCode)
		}
		return nil
	}, bo)
	return err == nil
}

type embedRequest struct {
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests a vector for text, retrying transient (network/5xx)
// failures. Returns errs.Unavailable on exhausted retries or a non-2xx,
// non-retryable response, so callers (internal/memory's Store path) can
// degrade to storing without an embedding rather than failing outright.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var result []float32
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	err := backoff.Retry(func() error {
		body, err := json.Marshal(embedRequest{Input: text})
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // network error: retryable
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("embedder: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("embedder: status %d: %s", resp.StatusCode, data))
		}

		var out embedResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(errs.Wrap("decode embed response", err))
		}
		if len(out.Embedding) != storex.VectorDim {
			return backoff.Permanent(fmt.Errorf("embedder: expected %d dims, got %d", storex.VectorDim, len(out.Embedding)))
		}
		result = out.Embedding
		return nil
	}, bo)
	if err != nil {
		return nil, errs.Wrapf(errs.Unavailable, "embed text: %v", err)
	}
	return result, nil
}
