// Package contracts defines the pluggable interfaces of the Crucible
// orchestration core.
//
// The core ships in-process implementations for every contract (memory
// KV store, brute-force vector index, in-memory conversation store).
// External backends (Redis for the KV store, pgvector for the vector
// index, Postgres for conversation persistence) are optional and wired
// in the composition root.
package contracts

import (
	"context"
	"time"

	"github.com/crucible-ai/crucible/pkg/models"
)

// Provider is the uniform contract over a model backend. Adapters never
// retry; transient failures are surfaced as Retryable errors and retry
// policy belongs to the scheduler.
type Provider interface {
	// ID returns the provider identifier (e.g. "openai", "anthropic").
	ID() string

	// Descriptor returns the static declaration: supported models,
	// token limits, embedding dimensions, and the cost table.
	Descriptor() models.ProviderDescriptor

	// Complete performs a single-shot completion.
	Complete(ctx context.Context, req *models.Request) (*models.Response, error)

	// CompleteBatch completes several compatible requests in one call.
	// Providers that do not support server-side batching return one
	// response per request by looping internally.
	CompleteBatch(ctx context.Context, reqs []*models.Request) ([]*models.Response, error)

	// Stream returns partials in arrival order. The terminal chunk
	// carries the finish reason; the channel is closed after it.
	Stream(ctx context.Context, req *models.Request) (<-chan models.StreamChunk, error)

	// Embed produces one embedding per text, all of the model's
	// declared dimension.
	Embed(ctx context.Context, model string, texts []string) ([]models.Embedding, error)

	// CountTokens estimates the token count of a text. May be
	// approximate but must be deterministic.
	CountTokens(text string) int
}

// KVStore is the exact-tier cache backend: a byte-value store with TTL.
// Iterate visits every live entry and is used by the eviction sweep.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Iterate(ctx context.Context, fn func(key string, value []byte) bool) error
}

// VectorIndex is the approximate-tier cache backend. Partitions isolate
// (provider, model, sampling-bucket) groups; queries never cross them.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float64, partition string, metadata map[string]string) error
	Query(ctx context.Context, vector []float64, k int, partition string) ([]models.VectorMatch, error)
	Delete(ctx context.Context, id string) error
	// DeletePartition removes every entry whose partition starts with
	// the given prefix; empty prefix clears the index. Used by
	// (provider, model) and global invalidation.
	DeletePartition(ctx context.Context, prefix string) error
}

// ConversationPersistence is the optional durable backing for the
// conversation store. Absent it, conversations live in process memory.
type ConversationPersistence interface {
	Load(ctx context.Context, id string) (*models.Conversation, error)
	Save(ctx context.Context, conv *models.Conversation) error
	Delete(ctx context.Context, id string) error
}
