package domain

import (
	"context"
	"time"
)

// QueryOpts controls a single-layer query.
type QueryOpts struct {
	Limit     int
	ProjectID string
	SessionID string
	Tags      []string
}

// QueryResult is what each layer store returns from Query.
type QueryResult struct {
	Memories    []MemoryEntry `json:"memories"`
	Layer       Layer         `json:"layer"`
	QueryTimeMs float64       `json:"query_time_ms"`
	TotalFound  int           `json:"total_found"`
}

// LayerStore is the shared capability set of the four layer stores.
// Store must be durable before it returns; all methods are safe for
// concurrent use within one process.
type LayerStore interface {
	Store(ctx context.Context, entry MemoryEntry) (MemoryEntry, error)
	Get(ctx context.Context, id string) (*MemoryEntry, error)
	Delete(ctx context.Context, id string) (bool, error)
	Query(ctx context.Context, text string, opts QueryOpts) (*QueryResult, error)
	Count() int
	Layer() Layer
	Close() error
}

// EmbeddingProvider is the pluggable semantic-similarity seam. When absent
// the core falls back to Jaccard/n-gram similarity.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResult is the response envelope of an LLM completion.
type CompletionResult struct {
	Content    string        `json:"content"`
	Tokens     int           `json:"tokens"`
	Model      string        `json:"model"`
	DurationMs time.Duration `json:"duration_ms"`
}

// LLMClient is optional and never on the hot path; it backs the daily
// summary path and benchmarks only.
type LLMClient interface {
	Complete(ctx context.Context, messages []Message) (*CompletionResult, error)
}
