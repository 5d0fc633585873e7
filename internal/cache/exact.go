package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crucible-ai/crucible/internal/config"
	"github.com/crucible-ai/crucible/pkg/contracts"
	"github.com/crucible-ai/crucible/pkg/models"
	"github.com/rs/zerolog/log"
)

// entryMeta is the eviction bookkeeping for one exact-tier entry. The
// boost counter is the second chance: incremented on every hit with a
// relaxed atomic, halved during each eviction sweep.
type entryMeta struct {
	key        string
	size       int64
	boost      atomic.Int64
	lastAccess atomic.Int64 // unix nanos
}

// ExactTier maps fingerprints to cached responses through a pluggable
// KVStore, applying entry-count and byte bounds with approximate LRU
// eviction. The index mutex guards structure updates only; hit counters
// are relaxed atomics.
type ExactTier struct {
	backend contracts.KVStore
	cfg     config.ExactTierConfig

	mu         sync.Mutex
	index      map[string]*entryMeta
	totalBytes int64

	hits   atomic.Int64
	misses atomic.Int64
}

// NewExactTier creates the exact tier over the given backend.
func NewExactTier(backend contracts.KVStore, cfg config.ExactTierConfig) *ExactTier {
	return &ExactTier{
		backend: backend,
		cfg:     cfg,
		index:   make(map[string]*entryMeta),
	}
}

// Get returns the live entry for a fingerprint, bumping its hit count.
// Expired entries are removed lazily and reported as a miss.
func (t *ExactTier) Get(ctx context.Context, fp string) (*models.CacheEntry, bool) {
	raw, ok, err := t.backend.Get(ctx, fp)
	if err != nil {
		log.Warn().Err(err).Msg("Exact tier backend read failed, treating as miss")
		t.misses.Add(1)
		return nil, false
	}
	if !ok {
		t.misses.Add(1)
		return nil, false
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.remove(ctx, fp)
		t.misses.Add(1)
		return nil, false
	}
	if entry.Expired(time.Now()) {
		t.remove(ctx, fp)
		t.misses.Add(1)
		return nil, false
	}

	t.mu.Lock()
	meta := t.index[fp]
	t.mu.Unlock()
	if meta != nil {
		meta.boost.Add(1)
		meta.lastAccess.Store(time.Now().UnixNano())
		entry.HitCount = meta.boost.Load()
	}
	t.hits.Add(1)
	return &entry, true
}

// Set writes an entry keyed by its fingerprint. Writes are idempotent;
// rewriting a fingerprint replaces the value and resets its TTL.
func (t *ExactTier) Set(ctx context.Context, entry *models.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !entry.ExpiresAt.IsZero() {
		ttl = time.Until(entry.ExpiresAt)
		if ttl <= 0 {
			return nil // already expired, nothing to store
		}
	}
	if err := t.backend.SetWithTTL(ctx, entry.Fingerprint, raw, ttl); err != nil {
		return err
	}

	size := int64(len(raw))
	t.mu.Lock()
	if old, ok := t.index[entry.Fingerprint]; ok {
		t.totalBytes -= old.size
	}
	meta := &entryMeta{key: entry.Fingerprint, size: size}
	meta.lastAccess.Store(time.Now().UnixNano())
	t.index[entry.Fingerprint] = meta
	t.totalBytes += size
	needSweep := t.overLimit()
	t.mu.Unlock()

	if needSweep {
		t.sweep(ctx)
	}
	return nil
}

// Delete removes one fingerprint from the tier.
func (t *ExactTier) Delete(ctx context.Context, fp string) {
	t.remove(ctx, fp)
}

// Clear empties the tier.
func (t *ExactTier) Clear(ctx context.Context) {
	t.mu.Lock()
	keys := make([]string, 0, len(t.index))
	for k := range t.index {
		keys = append(keys, k)
	}
	t.index = make(map[string]*entryMeta)
	t.totalBytes = 0
	t.mu.Unlock()
	for _, k := range keys {
		t.backend.Delete(ctx, k)
	}
}

// DeleteMatching removes entries whose stored response matches the
// predicate. Used by (provider, model) invalidation. Synchronous.
func (t *ExactTier) DeleteMatching(ctx context.Context, match func(*models.CacheEntry) bool) {
	var victims []string
	t.backend.Iterate(ctx, func(key string, value []byte) bool {
		var entry models.CacheEntry
		if json.Unmarshal(value, &entry) == nil && match(&entry) {
			victims = append(victims, key)
		}
		return true
	})
	for _, k := range victims {
		t.remove(ctx, k)
	}
}

// Stats reports hit/miss counters and occupancy.
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

func (t *ExactTier) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Entries: len(t.index),
		Bytes:   t.totalBytes,
		Hits:    t.hits.Load(),
		Misses:  t.misses.Load(),
	}
}

func (t *ExactTier) remove(ctx context.Context, fp string) {
	t.mu.Lock()
	if meta, ok := t.index[fp]; ok {
		t.totalBytes -= meta.size
		delete(t.index, fp)
	}
	t.mu.Unlock()
	t.backend.Delete(ctx, fp)
}

// overLimit must be called with mu held.
func (t *ExactTier) overLimit() bool {
	if t.cfg.MaxEntries > 0 && len(t.index) > t.cfg.MaxEntries {
		return true
	}
	if t.cfg.MaxBytes > 0 && t.totalBytes > t.cfg.MaxBytes {
		return true
	}
	return false
}

// sweep evicts in approximate LRU order until under both bounds.
// Entries with a positive boost get a second chance: their boost is
// halved and they are skipped for this sweep.
func (t *ExactTier) sweep(ctx context.Context) {
	t.mu.Lock()
	metas := make([]*entryMeta, 0, len(t.index))
	for _, m := range t.index {
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].lastAccess.Load() < metas[j].lastAccess.Load()
	})

	var victims []string
	spared := 0
	for _, m := range metas {
		if !t.overLimit() {
			break
		}
		if b := m.boost.Load(); b > 0 {
			m.boost.Store(b / 2)
			spared++
			continue
		}
		victims = append(victims, m.key)
		t.totalBytes -= m.size
		delete(t.index, m.key)
	}
	// If second chances spared everything, evict oldest regardless.
	for _, m := range metas {
		if !t.overLimit() {
			break
		}
		if _, gone := t.index[m.key]; !gone {
			victims = append(victims, m.key)
			t.totalBytes -= m.size
			delete(t.index, m.key)
		}
	}
	t.mu.Unlock()

	for _, k := range victims {
		t.backend.Delete(ctx, k)
	}
	if len(victims) > 0 {
		log.Debug().Int("evicted", len(victims)).Int("spared", spared).Msg("Exact tier eviction sweep")
	}
}
