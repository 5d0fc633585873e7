// Package provider implements the uniform adapter contract over model
// backends: completion, streaming, embeddings, and token counting.
// Built-in adapters: OpenAI, Anthropic, Ollama, and a mock for tests.
//
// Adapters never retry. Transient failures (timeouts, 5xx, rate limits)
// surface as Retryable; provider-reported input errors as NonRetryable;
// authentication as Fatal. Retry policy belongs to the scheduler.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/crucible-ai/crucible/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// Registry holds registered provider adapters plus a circuit breaker per
// provider. Thread-safe.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]contracts.Provider
	circuits  map[string]*CircuitBreaker
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]contracts.Provider),
		circuits:  make(map[string]*CircuitBreaker),
	}
}

// Register adds a provider under its own id. Overwrites if present.
func (r *Registry) Register(p contracts.Provider) {
	r.mu.Lock()
	r.providers[p.ID()] = p
	if _, ok := r.circuits[p.ID()]; !ok {
		r.circuits[p.ID()] = NewCircuitBreaker(DefaultFailureThreshold, DefaultProbeInterval)
	}
	r.mu.Unlock()
	log.Info().Str("provider", p.ID()).Int("models", len(p.Descriptor().Models)).Msg("Provider registered")
}

// Get returns the provider by id.
func (r *Registry) Get(id string) (contracts.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", id)
	}
	return p, nil
}

// Circuit returns the breaker guarding the given provider.
func (r *Registry) Circuit(id string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.circuits[id]
}

// Available reports whether the provider is registered and its circuit
// admits traffic.
func (r *Registry) Available(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.providers[id]; !ok {
		return false
	}
	cb := r.circuits[id]
	return cb == nil || cb.Allow()
}

// List returns all registered provider ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}

// HealthCheckAll embeds a probe text on every provider that declares an
// embedding model, and completes a trivial prompt otherwise. Returns
// errors keyed by provider id.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	snapshot := make(map[string]contracts.Provider, len(r.providers))
	for k, v := range r.providers {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(snapshot))
	for id, p := range snapshot {
		results[id] = healthCheck(ctx, p)
	}
	return results
}

func healthCheck(ctx context.Context, p contracts.Provider) error {
	for _, m := range p.Descriptor().Models {
		if m.EmbeddingDim > 0 {
			_, err := p.Embed(ctx, m.Name, []string{"health check"})
			return err
		}
	}
	// No embedding model; counting tokens is the only free probe.
	if p.CountTokens("health check") <= 0 {
		return fmt.Errorf("token counter returned non-positive count")
	}
	return nil
}
