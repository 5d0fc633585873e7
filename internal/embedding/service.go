// Package embedding batches embedding calls and caches results by text
// hash. Callers submit one text at a time; the service accumulates
// submissions and flushes when either the batch window elapses or the
// batch size is reached, whichever comes first.
package embedding

import (
	"context"
	"sync"
	"time"

	"github.com/crucible-ai/crucible/internal/config"
	"github.com/crucible-ai/crucible/internal/fault"
	"github.com/crucible-ai/crucible/internal/fingerprint"
	"github.com/crucible-ai/crucible/pkg/contracts"
	"github.com/rs/zerolog/log"
)

type result struct {
	vector []float64
	err    error
}

type pending struct {
	text  string
	hash  string
	reply chan result
}

type cachedVec struct {
	vector    []float64
	expiresAt time.Time
	lastUsed  time.Time
}

// Service is the batching embedding front. One Service per embedding
// model.
type Service struct {
	provider contracts.Provider
	model    string
	cfg      config.EmbeddingConfig

	submit chan pending
	done   chan struct{}
	wg     sync.WaitGroup

	mu    sync.Mutex
	cache map[string]*cachedVec
}

// NewService starts the accumulator goroutine. Close releases it.
func NewService(provider contracts.Provider, model string, cfg config.EmbeddingConfig) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 20 * time.Millisecond
	}
	s := &Service{
		provider: provider,
		model:    model,
		cfg:      cfg,
		submit:   make(chan pending, cfg.BatchSize*2),
		done:     make(chan struct{}),
		cache:    make(map[string]*cachedVec),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Close drains the accumulator and stops the background goroutine.
func (s *Service) Close() {
	close(s.done)
	s.wg.Wait()
}

// EmbedOne returns the embedding for one text, serving from cache when
// the text hash is live.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float64, error) {
	hash := fingerprint.OfText(text)
	if vec, ok := s.cacheGet(hash); ok {
		return vec, nil
	}

	p := pending{text: text, hash: hash, reply: make(chan result, 1)}
	select {
	case s.submit <- p:
	case <-ctx.Done():
		return nil, fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "embedding submit")
	case <-s.done:
		return nil, fault.New(fault.KindFatal, "embedding service closed")
	}

	select {
	case r := <-p.reply:
		return r.vector, r.err
	case <-ctx.Done():
		// The batch still completes and populates the cache.
		return nil, fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "embedding wait")
	}
}

// EmbedBatch embeds several texts through the same accumulator,
// preserving input order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	replies := make([]chan result, len(texts))

	for i, text := range texts {
		hash := fingerprint.OfText(text)
		if vec, ok := s.cacheGet(hash); ok {
			out[i] = vec
			continue
		}
		p := pending{text: text, hash: hash, reply: make(chan result, 1)}
		select {
		case s.submit <- p:
			replies[i] = p.reply
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "embedding submit")
		}
	}

	for i, reply := range replies {
		if reply == nil {
			continue
		}
		select {
		case r := <-reply:
			if r.err != nil {
				return nil, r.err
			}
			out[i] = r.vector
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "embedding wait")
		}
	}
	return out, nil
}

// run accumulates submissions into batches. The window timer starts on
// the first item of a batch.
func (s *Service) run() {
	defer s.wg.Done()

	var batch []pending
	var timer *time.Timer
	var window <-chan time.Time

	flush := func() {
		if len(batch) > 0 {
			s.flush(batch)
			batch = nil
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			window = nil
		}
	}

	for {
		select {
		case p := <-s.submit:
			batch = append(batch, p)
			if len(batch) == 1 {
				timer = time.NewTimer(s.cfg.BatchWindow)
				window = timer.C
			}
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-window:
			flush()
		case <-s.done:
			// Drain anything already submitted, then exit.
			for {
				select {
				case p := <-s.submit:
					batch = append(batch, p)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush embeds one batch. On failure the batch is split in half and
// each half retried once; a half that fails again fails its items.
func (s *Service) flush(batch []pending) {
	if err := s.embed(batch); err == nil {
		return
	} else if len(batch) == 1 || !fault.IsRetryable(err) {
		for _, p := range batch {
			p.reply <- result{err: err}
		}
		return
	}

	log.Warn().Int("size", len(batch)).Msg("Embedding batch failed, splitting and retrying halves")
	mid := len(batch) / 2
	for _, half := range [][]pending{batch[:mid], batch[mid:]} {
		if len(half) == 0 {
			continue
		}
		if err := s.embed(half); err != nil {
			for _, p := range half {
				p.reply <- result{err: err}
			}
		}
	}
}

// embed performs the provider call and replies to every item on
// success. Duplicate texts inside one batch are collapsed to a single
// provider slot.
func (s *Service) embed(batch []pending) error {
	unique := make([]string, 0, len(batch))
	slot := make(map[string]int, len(batch))
	for _, p := range batch {
		if _, ok := slot[p.hash]; !ok {
			slot[p.hash] = len(unique)
			unique = append(unique, p.text)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	embeddings, err := s.provider.Embed(ctx, s.model, unique)
	if err != nil {
		return err
	}
	if len(embeddings) != len(unique) {
		return fault.Newf(fault.KindNonRetryable, "embedding count mismatch: want %d, got %d", len(unique), len(embeddings))
	}

	for _, p := range batch {
		vec := embeddings[slot[p.hash]].Vector
		s.cachePut(p.hash, vec)
		p.reply <- result{vector: vec}
	}
	return nil
}

// ── text-hash cache ─────────────────────────────────────────────────

func (s *Service) cacheGet(hash string) ([]float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cache[hash]
	if !ok {
		return nil, false
	}
	if !c.expiresAt.IsZero() && !time.Now().Before(c.expiresAt) {
		delete(s.cache, hash)
		return nil, false
	}
	c.lastUsed = time.Now()
	return c.vector, true
}

func (s *Service) cachePut(hash string, vec []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &cachedVec{vector: vec, lastUsed: time.Now()}
	if ttl := s.cfg.Cache.DefaultTTL; ttl > 0 {
		c.expiresAt = time.Now().Add(ttl)
	}
	s.cache[hash] = c

	if max := s.cfg.Cache.MaxEntries; max > 0 && len(s.cache) > max {
		s.evictOldest(len(s.cache) - max)
	}
}

// evictOldest drops the n least-recently-used entries. Called with mu
// held.
func (s *Service) evictOldest(n int) {
	for ; n > 0; n-- {
		var oldest string
		var oldestAt time.Time
		for k, c := range s.cache {
			if oldest == "" || c.lastUsed.Before(oldestAt) {
				oldest = k
				oldestAt = c.lastUsed
			}
		}
		if oldest == "" {
			return
		}
		delete(s.cache, oldest)
	}
}
