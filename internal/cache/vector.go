package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/crucible-ai/crucible/internal/config"
	"github.com/crucible-ai/crucible/internal/fingerprint"
	"github.com/crucible-ai/crucible/pkg/contracts"
	"github.com/crucible-ai/crucible/pkg/models"
	"github.com/rs/zerolog/log"
)

// Embedder turns one text into a vector. Implemented by the embedding
// service; declared here so the cache does not depend on it.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float64, error)
}

// probeK is how many nearest neighbors the vector tier inspects per
// probe. More than one so an expired best match doesn't hide a live
// runner-up.
const probeK = 4

// VectorTier serves approximate hits: requests whose prompt embedding
// is close enough to a cached one. The index is partitioned by
// provider, model and sampling bucket so a match can never cross
// models or materially different sampling options.
type VectorTier struct {
	index    contracts.VectorIndex
	embedder Embedder
	cfg      config.VectorTierConfig

	hits   atomic.Int64
	misses atomic.Int64
}

// VectorStats are the probe counters of the approximate tier.
type VectorStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Stats returns the probe counters.
func (t *VectorTier) Stats() VectorStats {
	return VectorStats{Hits: t.hits.Load(), Misses: t.misses.Load()}
}

// NewVectorTier creates the approximate tier. The embedder may be nil,
// which disables the tier regardless of config.
func NewVectorTier(index contracts.VectorIndex, embedder Embedder, cfg config.VectorTierConfig) *VectorTier {
	return &VectorTier{index: index, embedder: embedder, cfg: cfg}
}

// Eligible reports whether a request may use the approximate tier:
// pure-text prompt, low temperature, tier enabled.
func (t *VectorTier) Eligible(req *models.Request) bool {
	if !t.cfg.Enabled || t.embedder == nil || t.index == nil {
		return false
	}
	if req.Options.Temperature > t.cfg.MaxTemperature {
		return false
	}
	return req.Embeddable()
}

// VectorHit is a successful approximate probe.
type VectorHit struct {
	Response    models.Response
	Similarity  float64
	Fingerprint string // fingerprint of the original cached request
}

// Probe embeds the prompt and returns the best live match at or above
// the effective threshold. Callers must check Eligible first.
func (t *VectorTier) Probe(ctx context.Context, req *models.Request) (*VectorHit, error) {
	vec, err := t.embedder.EmbedOne(ctx, req.UserText())
	if err != nil {
		return nil, err
	}

	partition := fingerprint.Partition(req.Provider, req.Model, req.Options)
	matches, err := t.index.Query(ctx, vec, probeK, partition)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, m := range matches {
		threshold := t.cfg.SimilarityFloor
		if raw := m.Metadata["threshold"]; raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil && v > threshold {
				threshold = v
			}
		}
		if m.Score < threshold {
			// Matches are score-descending; nothing further qualifies.
			break
		}
		if raw := m.Metadata["expires_at"]; raw != "" {
			if exp, err := time.Parse(time.RFC3339Nano, raw); err == nil && !now.Before(exp) {
				t.index.Delete(ctx, m.ID)
				continue
			}
		}

		var resp models.Response
		if err := json.Unmarshal([]byte(m.Metadata["response"]), &resp); err != nil {
			log.Warn().Str("id", m.ID).Err(err).Msg("Corrupt vector cache entry, dropping")
			t.index.Delete(ctx, m.ID)
			continue
		}
		t.hits.Add(1)
		return &VectorHit{
			Response:    resp,
			Similarity:  m.Score,
			Fingerprint: m.Metadata["fingerprint"],
		}, nil
	}

	t.misses.Add(1)
	return nil, nil
}

// Store embeds the prompt and upserts the response into the request's
// partition, keyed by fingerprint. Re-storing a fingerprint replaces
// the prior vector and payload.
func (t *VectorTier) Store(ctx context.Context, req *models.Request, fp string, resp *models.Response, ttl time.Duration) error {
	vec, err := t.embedder.EmbedOne(ctx, req.UserText())
	if err != nil {
		return err
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	metadata := map[string]string{
		"response":    string(raw),
		"fingerprint": fp,
		"threshold":   strconv.FormatFloat(t.cfg.SimilarityFloor, 'f', -1, 64),
	}
	if ttl > 0 {
		metadata["expires_at"] = time.Now().Add(ttl).Format(time.RFC3339Nano)
	}

	partition := fingerprint.Partition(req.Provider, req.Model, req.Options)
	return t.index.Upsert(ctx, fp, vec, partition, metadata)
}

// Delete removes one fingerprint's vector from all partitions.
func (t *VectorTier) Delete(ctx context.Context, fp string) error {
	return t.index.Delete(ctx, fp)
}

// DeletePartition removes one (provider, model, bucket) partition, or
// every vector when partition is empty.
func (t *VectorTier) DeletePartition(ctx context.Context, partition string) error {
	return t.index.DeletePartition(ctx, partition)
}
