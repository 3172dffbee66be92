// Package enrichment provides LLM-driven memory enrichment — auto-tag,
// auto-link, and entity extraction — behind a narrow interface that must
// never block or fail a memory store() call. Grounded on the teacher's
// haikuClient (internal/compact/haiku.go): same anthropic-sdk-go
// client-plus-retry shape, same "one purpose-built prompt template per
// operation" convention, but retried with cenkalti/backoff/v4 instead of
// the teacher's hand-rolled exponential loop, since this substrate's
// go.mod already carries backoff/v4 for the embedder client and reusing
// one retry library is preferable to two.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"

	"github.com/swarmgrid/substrate/internal/debugns"
	"github.com/swarmgrid/substrate/internal/errs"
)

// Result is the enrichment output for one memory.
type Result struct {
	AutoTags      []string       `json:"autoTags"`
	Keywords      string         `json:"keywords"`
	Entities      []ExtractedEntity `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// ExtractedEntity is one named thing the model found in the memory text.
type ExtractedEntity struct {
	Name       string `json:"name"`
	EntityType string `json:"entityType"`
}

// ExtractedRelationship is one subject-predicate-object triple the model
// found in the memory text.
type ExtractedRelationship struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

// Enricher is the enrichment seam; memory.Store does not call it itself.
// The no-op implementation (no API key configured) always returns
// Unavailable so callers degrade without special-casing "enrichment is off".
type Enricher interface {
	Enrich(ctx context.Context, content string) (*Result, error)
}

// Client wraps anthropic-sdk-go for memory enrichment.
type Client struct {
	client     anthropic.Client
	model      anthropic.Model
	maxRetries uint64
	debug      *debugns.Matcher
}

// New builds a Client. apiKey must be non-empty — callers without a
// configured key should use NoopEnricher instead of constructing this.
func New(apiKey, model string, debug *debugns.Matcher) *Client {
	if model == "" {
		model = "claude-haiku-4-5"
	}
	return &Client{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:      anthropic.Model(model),
		maxRetries: 3,
		debug:      debug,
	}
}

// Enrich asks the model to tag, extract keywords, and pull out entities
// and relationships from content in one structured call.
func (c *Client) Enrich(ctx context.Context, content string) (*Result, error) {
	prompt := fmt.Sprintf(enrichPromptTemplate, content)

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	var raw string
	err := backoff.Retry(func() error {
		resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     c.model,
			MaxTokens: 512,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if len(resp.Content) == 0 || resp.Content[0].Type != "text" {
			return backoff.Permanent(errors.New("enrichment: unexpected response shape"))
		}
		raw = resp.Content[0].Text
		return nil
	}, bo)
	if err != nil {
		if c.debug != nil {
			c.debug.Logf("swarm:enrichment", "enrich call failed: %v", err)
		}
		return nil, fmt.Errorf("enrich: %w", err)
	}

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("enrich: parse model output: %w", err)
	}
	return &result, nil
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

const enrichPromptTemplate = `Analyze the following memory text and return ONLY a JSON object (no markdown, no prose) with this exact shape:
{"autoTags": ["tag1", "tag2"], "keywords": "space separated keywords", "entities": [{"name": "...", "entityType": "..."}], "relationships": [{"subject": "...", "predicate": "...", "object": "...", "confidence": 0.8}]}

Memory text:
%s`

// NoopEnricher always reports Unavailable, for deployments with no
// configured API key. It returns the same errs.Unavailable kind a caller
// sees when a Client call fails, so enrichment being disabled and
// enrichment failing share one degrade path.
type NoopEnricher struct{}

func (NoopEnricher) Enrich(ctx context.Context, content string) (*Result, error) {
	return nil, errs.Wrap("enrich", errs.Unavailable)
}
