package cache

import (
	"context"
	"time"

	"github.com/crucible-ai/crucible/internal/config"
	"github.com/crucible-ai/crucible/pkg/models"
	"github.com/rs/zerolog/log"
)

// TierExact and TierVector name the serving tier on a hit.
const (
	TierExact  = "exact"
	TierVector = "vector"
)

// ProbeResult is the outcome of a two-tier lookup. A miss has Hit
// false and a nil Response.
type ProbeResult struct {
	Hit        bool
	Tier       string
	Response   *models.Response
	Similarity float64 // set for vector hits only
}

// Cache is the two-tier result cache facade. The exact tier is always
// probed first; the vector tier only for eligible requests. A vector
// hit is written back into the exact tier under the probing request's
// fingerprint so repeats of the same prompt become exact hits.
type Cache struct {
	exact  *ExactTier
	vector *VectorTier
	cfg    config.CacheConfig
}

// New wires the facade. vector may be nil.
func New(exact *ExactTier, vector *VectorTier, cfg config.CacheConfig) *Cache {
	return &Cache{exact: exact, vector: vector, cfg: cfg}
}

// Enabled reports whether any caching is active.
func (c *Cache) Enabled() bool { return c.cfg.Enabled }

// Probe looks up a request by fingerprint, falling through to the
// vector tier when eligible. Embedding or index failures degrade to a
// miss; they never fail the request.
func (c *Cache) Probe(ctx context.Context, req *models.Request, fp string) ProbeResult {
	if !c.cfg.Enabled {
		return ProbeResult{}
	}

	if entry, ok := c.exact.Get(ctx, fp); ok {
		resp := entry.Response
		resp.Cached = true
		resp.CacheTier = TierExact
		return ProbeResult{Hit: true, Tier: TierExact, Response: &resp}
	}

	if c.vector == nil || !c.vector.Eligible(req) {
		return ProbeResult{}
	}
	hit, err := c.vector.Probe(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("Vector tier probe failed, treating as miss")
		return ProbeResult{}
	}
	if hit == nil {
		return ProbeResult{}
	}

	resp := hit.Response
	resp.Cached = true
	resp.CacheTier = TierVector

	// Write-back: the next identical request hits the exact tier.
	entry := &models.CacheEntry{
		Fingerprint: fp,
		Response:    hit.Response,
		CreatedAt:   time.Now(),
	}
	if ttl := c.cfg.ExactTier.DefaultTTL; ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}
	if err := c.exact.Set(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("Vector hit write-back failed")
	}

	return ProbeResult{Hit: true, Tier: TierVector, Response: &resp, Similarity: hit.Similarity}
}

// Store writes a fresh provider response into both tiers. Idempotent
// per fingerprint. Streaming responses are stored by the caller after
// assembly; partial streams must never reach here.
func (c *Cache) Store(ctx context.Context, req *models.Request, fp string, resp *models.Response) {
	if !c.cfg.Enabled || resp == nil || resp.Cached {
		return
	}

	entry := &models.CacheEntry{
		Fingerprint: fp,
		Response:    *resp,
		CreatedAt:   time.Now(),
	}
	ttl := c.cfg.ExactTier.DefaultTTL
	if ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}
	if err := c.exact.Set(ctx, entry); err != nil {
		log.Warn().Err(err).Str("fingerprint", fp).Msg("Exact tier store failed")
	}

	if c.vector != nil && c.vector.Eligible(req) {
		if err := c.vector.Store(ctx, req, fp, resp, ttl); err != nil {
			log.Warn().Err(err).Str("fingerprint", fp).Msg("Vector tier store failed")
		}
	}
}

// InvalidateFingerprint removes one entry from both tiers.
func (c *Cache) InvalidateFingerprint(ctx context.Context, fp string) {
	c.exact.Delete(ctx, fp)
	if c.vector != nil {
		c.vector.Delete(ctx, fp)
	}
}

// InvalidateModel removes every entry for one (provider, model) pair,
// across all sampling buckets.
func (c *Cache) InvalidateModel(ctx context.Context, provider, model string) {
	c.exact.DeleteMatching(ctx, func(e *models.CacheEntry) bool {
		return e.Response.Provider == provider && e.Response.Model == model
	})
	if c.vector != nil {
		c.vector.DeletePartition(ctx, provider+"/"+model+"/")
	}
	log.Info().Str("provider", provider).Str("model", model).Msg("🧹 Cache invalidated for model")
}

// InvalidateAll empties both tiers.
func (c *Cache) InvalidateAll(ctx context.Context) {
	c.exact.Clear(ctx)
	if c.vector != nil {
		c.vector.DeletePartition(ctx, "")
	}
	log.Info().Msg("🧹 Cache fully invalidated")
}

// ExactStats exposes exact-tier counters for the stats endpoint.
func (c *Cache) ExactStats() Stats { return c.exact.Stats() }

// VectorTierStats exposes vector-tier counters; ok is false when the
// tier is not configured.
func (c *Cache) VectorTierStats() (VectorStats, bool) {
	if c.vector == nil {
		return VectorStats{}, false
	}
	return c.vector.Stats(), true
}
