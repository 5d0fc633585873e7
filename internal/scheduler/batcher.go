package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/crucible-ai/crucible/internal/config"
	"github.com/crucible-ai/crucible/internal/events"
	"github.com/crucible-ai/crucible/internal/fault"
	"github.com/crucible-ai/crucible/internal/fingerprint"
	"github.com/crucible-ai/crucible/pkg/contracts"
	"github.com/crucible-ai/crucible/pkg/models"
	"github.com/rs/zerolog/log"
)

// batchGroup accumulates compatible requests for one
// (provider, model, sampling-bucket) partition.
type batchGroup struct {
	provider contracts.Provider
	queue    requestQueue
	timer    *time.Timer
	size     int // current dynamic batch size
}

// batcher groups non-streaming requests into provider batch calls. A
// group flushes when its window elapses or it reaches the dynamic
// batch size, whichever comes first. The size adapts to observed
// latency: shrink when a flush exceeds the target, grow when it
// finishes in under half the target.
type batcher struct {
	cfg config.SchedulerConfig
	bus *events.Bus

	mu     sync.Mutex
	groups map[string]*batchGroup
}

func newBatcher(cfg config.SchedulerConfig, bus *events.Bus) *batcher {
	return &batcher{
		cfg:    cfg,
		bus:    bus,
		groups: make(map[string]*batchGroup),
	}
}

func (b *batcher) setConfig(cfg config.SchedulerConfig) {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

// submit queues one request and blocks until its batch completes or
// ctx ends. A request abandoned before flush is dropped from the
// batch.
func (b *batcher) submit(ctx context.Context, provider contracts.Provider, req *models.Request) (*models.Response, error) {
	key := fingerprint.Partition(provider.ID(), req.Model, req.Options)
	p := &pending{req: req, reply: make(chan outcome, 1), enqueued: time.Now()}

	// The batch call must not die with any single submitter.
	callCtx := context.WithoutCancel(ctx)

	b.mu.Lock()
	g, ok := b.groups[key]
	if !ok {
		size := b.cfg.InitialBatchSize
		if size <= 0 {
			size = 1
		}
		g = &batchGroup{provider: provider, size: size}
		b.groups[key] = g
	}
	heap.Push(&g.queue, p)
	if g.queue.Len() >= g.size {
		items := b.drainLocked(g)
		b.mu.Unlock()
		go b.dispatch(callCtx, g, items)
	} else {
		if g.timer == nil {
			g.timer = time.AfterFunc(b.cfg.BatchWindow, func() { b.flushWindow(callCtx, key) })
		}
		b.mu.Unlock()
	}

	select {
	case out := <-p.reply:
		return out.resp, out.err
	case <-ctx.Done():
		p.abandon()
		return nil, fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "batch wait")
	}
}

// flushWindow fires when a group's window elapses.
func (b *batcher) flushWindow(ctx context.Context, key string) {
	b.mu.Lock()
	g, ok := b.groups[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	items := b.drainLocked(g)
	b.mu.Unlock()
	if len(items) > 0 {
		b.dispatch(ctx, g, items)
	}
}

// drainLocked pops up to size items in priority order and resets the
// window timer. Abandoned items are discarded.
func (b *batcher) drainLocked(g *batchGroup) []*pending {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	var items []*pending
	for g.queue.Len() > 0 && len(items) < g.size {
		p := heap.Pop(&g.queue).(*pending)
		if p.abandoned() {
			continue
		}
		items = append(items, p)
	}
	return items
}

// dispatch performs one provider batch call and distributes results.
func (b *batcher) dispatch(ctx context.Context, g *batchGroup, items []*pending) {
	reqs := make([]*models.Request, len(items))
	for i, p := range items {
		reqs[i] = p.req
	}

	start := time.Now()
	resps, err := g.provider.CompleteBatch(ctx, reqs)
	latency := time.Since(start)

	b.mu.Lock()
	b.adjustLocked(g, latency)
	b.mu.Unlock()

	b.bus.Publish(events.Event{
		Type:      events.BatchFlushed,
		Time:      time.Now(),
		Provider:  g.provider.ID(),
		Model:     reqs[0].Model,
		BatchSize: len(items),
		Latency:   latency,
	})

	if err != nil {
		for _, p := range items {
			p.reply <- outcome{err: err}
		}
		return
	}
	if len(resps) != len(items) {
		e := fault.Newf(fault.KindNonRetryable, "batch response count mismatch: want %d, got %d", len(items), len(resps))
		for _, p := range items {
			p.reply <- outcome{err: e}
		}
		return
	}
	for i, p := range items {
		p.reply <- outcome{resp: resps[i]}
	}
}

// adjustLocked moves the batch size one step toward the latency target.
func (b *batcher) adjustLocked(g *batchGroup, latency time.Duration) {
	target := b.cfg.TargetLatency
	if target <= 0 {
		return
	}
	switch {
	case latency > target && g.size > 1:
		g.size--
		log.Debug().Dur("latency", latency).Int("size", g.size).Msg("Batch size decreased")
	case latency < target/2 && g.size < b.cfg.MaxBatchSize:
		g.size++
		log.Debug().Dur("latency", latency).Int("size", g.size).Msg("Batch size increased")
	}
}
