package domain

import (
	"context"
	"time"
)

// ModelClient defines the interface for the LLM inference collaborator.
// Implementations must honor the request timeout and distinguish the
// four failure modes the orchestrator cares about: empty content,
// explicit refusal, timeout, malformed structure.
type ModelClient interface {
	// Complete performs a single chat completion round.
	Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}

// SearchClient defines the interface for the web-search collaborator.
// Results are returned in provider-reported relevance order; no ordering
// guarantee is assumed across providers.
type SearchClient interface {
	// Search performs one web search for the given query.
	Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error)
}

// SearchOptions provides options for a single search call.
type SearchOptions struct {
	MaxResults int    `json:"max_results,omitempty"`
	Language   string `json:"language,omitempty"`
}

// Scraper defines the interface for the content-extraction collaborator.
// A failed or empty extraction must never abort the enclosing topic; the
// caller drops the URL and continues with partial results.
type Scraper interface {
	// Scrape fetches the readable text of one URL, honoring timeout.
	// An empty string with a nil error means the page yielded no
	// usable content.
	Scrape(ctx context.Context, url string, timeout time.Duration) (string, error)
}

// CheckpointStore is the keyed blob store behind the checkpoint manager.
type CheckpointStore interface {
	// Save persists the checkpoint for a session, replacing any
	// previous one. The write must be atomic.
	Save(ctx context.Context, sessionID string, cp *Checkpoint) error

	// Load returns the checkpoint for a session, or ErrCheckpointNotFound.
	Load(ctx context.Context, sessionID string) (*Checkpoint, error)

	// List returns summaries of all stored checkpoints, newest first.
	List(ctx context.Context) ([]CheckpointSummary, error)
}
