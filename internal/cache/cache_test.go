package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crucible-ai/crucible/internal/cache"
	"github.com/crucible-ai/crucible/internal/config"
	"github.com/crucible-ai/crucible/internal/fingerprint"
	"github.com/crucible-ai/crucible/internal/vectorindex"
	"github.com/crucible-ai/crucible/pkg/models"
)

func testRequest(prompt string, temp float64) *models.Request {
	return &models.Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: prompt}},
		Provider: "mock",
		Model:    "mock-chat",
		Options:  models.SamplingOptions{Temperature: temp, TopP: 1, MaxOutputTokens: 256},
	}
}

func testResponse(content string) *models.Response {
	return &models.Response{
		Content:      content,
		Provider:     "mock",
		Model:        "mock-chat",
		Usage:        models.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		FinishReason: models.FinishStop,
	}
}

// fixedEmbedder returns a canned vector per text, defaulting to a unit
// vector on the first axis.
type fixedEmbedder struct {
	vectors map[string][]float64
}

func (f *fixedEmbedder) EmbedOne(_ context.Context, text string) ([]float64, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float64{1, 0, 0}, nil
}

// ── MemoryKV ────────────────────────────────────────────────────────

func TestMemoryKVTTL(t *testing.T) {
	ctx := context.Background()
	kv := cache.NewMemoryKV()

	if err := kv.SetWithTTL(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := kv.Get(ctx, "k"); !ok {
		t.Fatal("expected hit before expiry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := kv.Get(ctx, "k"); ok {
		t.Fatal("expected miss after expiry")
	}
}

// ── Exact tier ──────────────────────────────────────────────────────

func exactTier(maxEntries int, ttl time.Duration) *cache.ExactTier {
	return cache.NewExactTier(cache.NewMemoryKV(), config.ExactTierConfig{
		MaxEntries: maxEntries,
		DefaultTTL: ttl,
	})
}

func entry(fp, content string, ttl time.Duration) *models.CacheEntry {
	e := &models.CacheEntry{
		Fingerprint: fp,
		Response:    *testResponse(content),
		CreatedAt:   time.Now(),
	}
	if ttl > 0 {
		e.ExpiresAt = time.Now().Add(ttl)
	}
	return e
}

func TestExactTierRoundTrip(t *testing.T) {
	ctx := context.Background()
	tier := exactTier(100, 0)

	if err := tier.Set(ctx, entry("fp1", "hello", 0)); err != nil {
		t.Fatal(err)
	}
	got, ok := tier.Get(ctx, "fp1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Response.Content != "hello" {
		t.Fatalf("got %q", got.Response.Content)
	}
	if _, ok := tier.Get(ctx, "other"); ok {
		t.Fatal("expected miss for unknown fingerprint")
	}
}

func TestExactTierExpiry(t *testing.T) {
	ctx := context.Background()
	tier := exactTier(100, 0)

	tier.Set(ctx, entry("fp1", "short lived", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	if _, ok := tier.Get(ctx, "fp1"); ok {
		t.Fatal("expired entry must miss")
	}
}

func TestExactTierEvictionRespectsBound(t *testing.T) {
	ctx := context.Background()
	tier := exactTier(5, 0)

	for _, fp := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		if err := tier.Set(ctx, entry(fp, "v-"+fp, 0)); err != nil {
			t.Fatal(err)
		}
	}
	if got := tier.Stats().Entries; got > 5 {
		t.Fatalf("eviction failed: %d entries, bound 5", got)
	}
}

func TestExactTierFrequencyBoostSurvivesSweep(t *testing.T) {
	ctx := context.Background()
	tier := exactTier(3, 0)

	tier.Set(ctx, entry("hot", "hot value", 0))
	for i := 0; i < 5; i++ {
		if _, ok := tier.Get(ctx, "hot"); !ok {
			t.Fatal("expected hit on hot entry")
		}
	}
	// These overflow the bound and trigger sweeps; the boosted entry
	// gets a second chance while cold entries go first.
	for _, fp := range []string{"c1", "c2", "c3", "c4"} {
		tier.Set(ctx, entry(fp, "cold", 0))
	}
	if _, ok := tier.Get(ctx, "hot"); !ok {
		t.Fatal("frequently hit entry should survive one sweep")
	}
}

func TestExactTierStats(t *testing.T) {
	ctx := context.Background()
	tier := exactTier(10, 0)

	tier.Set(ctx, entry("fp1", "x", 0))
	tier.Get(ctx, "fp1")
	tier.Get(ctx, "missing")

	s := tier.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Fatalf("stats = %+v, want 1 hit 1 miss", s)
	}
}

// ── Vector tier ─────────────────────────────────────────────────────

func vectorTier(emb cache.Embedder) (*cache.VectorTier, *vectorindex.Memory) {
	idx := vectorindex.NewMemory()
	tier := cache.NewVectorTier(idx, emb, config.VectorTierConfig{
		Enabled:         true,
		SimilarityFloor: 0.95,
		MaxTemperature:  0.3,
	})
	return tier, idx
}

func TestVectorTierEligibility(t *testing.T) {
	tier, _ := vectorTier(&fixedEmbedder{})

	if !tier.Eligible(testRequest("plain prompt", 0.2)) {
		t.Fatal("low-temperature text prompt should be eligible")
	}
	if tier.Eligible(testRequest("plain prompt", 0.8)) {
		t.Fatal("high temperature must disable the vector tier")
	}
	withTool := testRequest("prompt", 0.2)
	withTool.Messages = append(withTool.Messages, models.Message{Role: models.RoleTool, Content: "{}"})
	if tier.Eligible(withTool) {
		t.Fatal("tool messages must disable the vector tier")
	}
}

func TestVectorTierHitAboveFloor(t *testing.T) {
	ctx := context.Background()
	emb := &fixedEmbedder{vectors: map[string][]float64{
		"capital of France?":      {1, 0, 0},
		"the capital of France??": {0.999, 0.04, 0},
		"best pasta recipe":       {0, 1, 0},
	}}
	tier, _ := vectorTier(emb)

	stored := testRequest("capital of France?", 0.1)
	if err := tier.Store(ctx, stored, fingerprint.Of(stored), testResponse("Paris"), time.Hour); err != nil {
		t.Fatal(err)
	}

	near := testRequest("the capital of France??", 0.1)
	hit, err := tier.Probe(ctx, near)
	if err != nil {
		t.Fatal(err)
	}
	if hit == nil {
		t.Fatal("expected a vector hit for a near-identical prompt")
	}
	if hit.Response.Content != "Paris" {
		t.Fatalf("got %q", hit.Response.Content)
	}
	if hit.Similarity < 0.95 {
		t.Fatalf("similarity %f below floor", hit.Similarity)
	}

	far := testRequest("best pasta recipe", 0.1)
	if hit, _ := tier.Probe(ctx, far); hit != nil {
		t.Fatal("dissimilar prompt must miss")
	}
}

func TestVectorTierPartitionIsolation(t *testing.T) {
	ctx := context.Background()
	tier, _ := vectorTier(&fixedEmbedder{})

	stored := testRequest("same prompt", 0.1)
	tier.Store(ctx, stored, fingerprint.Of(stored), testResponse("from gpt"), time.Hour)

	otherModel := testRequest("same prompt", 0.1)
	otherModel.Model = "mock-other"
	if hit, _ := tier.Probe(ctx, otherModel); hit != nil {
		t.Fatal("a different model must never see another partition's entries")
	}
}

func TestVectorTierExpiredEntrySkipped(t *testing.T) {
	ctx := context.Background()
	tier, _ := vectorTier(&fixedEmbedder{})

	stored := testRequest("ephemeral", 0.1)
	tier.Store(ctx, stored, fingerprint.Of(stored), testResponse("gone soon"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if hit, _ := tier.Probe(ctx, testRequest("ephemeral", 0.1)); hit != nil {
		t.Fatal("expired vector entry must not serve")
	}
}

func TestVectorTierStatsUnderConcurrentProbes(t *testing.T) {
	ctx := context.Background()
	emb := &fixedEmbedder{vectors: map[string][]float64{
		"miss me": {0, 1, 0},
	}}
	tier, _ := vectorTier(emb)

	stored := testRequest("hit me", 0.1)
	if err := tier.Store(ctx, stored, fingerprint.Of(stored), testResponse("stored"), time.Hour); err != nil {
		t.Fatal(err)
	}

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prompt := "hit me"
			if i%2 == 1 {
				prompt = "miss me"
			}
			tier.Probe(ctx, testRequest(prompt, 0.1))
		}(i)
	}
	wg.Wait()

	stats := tier.Stats()
	if stats.Hits != n/2 || stats.Misses != n/2 {
		t.Fatalf("stats = %+v, want %d hits and %d misses", stats, n/2, n/2)
	}
}

// ── Facade ──────────────────────────────────────────────────────────

func newFacade(emb cache.Embedder) *cache.Cache {
	cfg := config.CacheConfig{
		Enabled: true,
		ExactTier: config.ExactTierConfig{
			MaxEntries: 1000,
			DefaultTTL: time.Hour,
		},
		VectorTier: config.VectorTierConfig{
			Enabled:         true,
			SimilarityFloor: 0.95,
			MaxTemperature:  0.3,
		},
	}
	exact := cache.NewExactTier(cache.NewMemoryKV(), cfg.ExactTier)
	idx := vectorindex.NewMemory()
	vector := cache.NewVectorTier(idx, emb, cfg.VectorTier)
	return cache.New(exact, vector, cfg)
}

func TestFacadeExactHit(t *testing.T) {
	ctx := context.Background()
	c := newFacade(&fixedEmbedder{})

	req := testRequest("the prompt", 0.1)
	fp := fingerprint.Of(req)
	c.Store(ctx, req, fp, testResponse("answer"))

	result := c.Probe(ctx, req, fp)
	if !result.Hit || result.Tier != cache.TierExact {
		t.Fatalf("want exact hit, got %+v", result)
	}
	if !result.Response.Cached || result.Response.CacheTier != cache.TierExact {
		t.Fatal("cache flags must be set on the served response")
	}
}

func TestFacadeVectorHitWritesBack(t *testing.T) {
	ctx := context.Background()
	emb := &fixedEmbedder{vectors: map[string][]float64{
		"what is 2+2":  {1, 0, 0},
		"what is 2+2?": {0.999, 0.04, 0},
	}}
	c := newFacade(emb)

	orig := testRequest("what is 2+2", 0.1)
	c.Store(ctx, orig, fingerprint.Of(orig), testResponse("4"))

	near := testRequest("what is 2+2?", 0.1)
	nearFP := fingerprint.Of(near)
	first := c.Probe(ctx, near, nearFP)
	if !first.Hit || first.Tier != cache.TierVector {
		t.Fatalf("want vector hit, got %+v", first)
	}

	// The write-back makes the same prompt an exact hit next time.
	second := c.Probe(ctx, near, nearFP)
	if !second.Hit || second.Tier != cache.TierExact {
		t.Fatalf("want exact hit after write-back, got %+v", second)
	}
}

func TestFacadeDoesNotStoreCachedResponses(t *testing.T) {
	ctx := context.Background()
	c := newFacade(&fixedEmbedder{})

	req := testRequest("prompt", 0.1)
	fp := fingerprint.Of(req)
	resp := testResponse("served from cache")
	resp.Cached = true
	c.Store(ctx, req, fp, resp)

	if result := c.Probe(ctx, req, fp); result.Hit {
		t.Fatal("already-cached responses must not be re-stored")
	}
}

func TestFacadeInvalidation(t *testing.T) {
	ctx := context.Background()
	c := newFacade(&fixedEmbedder{})

	reqA := testRequest("prompt A", 0.1)
	fpA := fingerprint.Of(reqA)
	c.Store(ctx, reqA, fpA, testResponse("A"))

	reqB := testRequest("prompt B", 0.1)
	reqB.Model = "mock-other"
	fpB := fingerprint.Of(reqB)
	respB := testResponse("B")
	respB.Model = "mock-other"
	c.Store(ctx, reqB, fpB, respB)

	c.InvalidateModel(ctx, "mock", "mock-chat")
	if c.Probe(ctx, reqA, fpA).Hit {
		t.Fatal("model invalidation must remove matching entries")
	}
	if !c.Probe(ctx, reqB, fpB).Hit {
		t.Fatal("model invalidation must not touch other models")
	}

	c.InvalidateAll(ctx)
	if c.Probe(ctx, reqB, fpB).Hit {
		t.Fatal("global invalidation must empty the cache")
	}
}
