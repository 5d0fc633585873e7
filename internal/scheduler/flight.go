package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/crucible-ai/crucible/internal/fault"
	"github.com/crucible-ai/crucible/pkg/models"
	"github.com/rs/zerolog/log"
)

// flight is one in-progress provider call that concurrent identical
// requests attach to. The work runs on its own context so one waiter
// cancelling never kills the call for the others; only when the last
// waiter leaves before the provider call begins is the flight aborted.
type flight struct {
	key     string
	waiters int
	started atomic.Bool
	workCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	resp *models.Response
	err  error
}

// markStarted is called immediately before the provider call. After
// this point waiter cancellation no longer aborts the flight; the
// result still lands in the cache.
func (f *flight) markStarted() { f.started.Store(true) }

// flightGroup deduplicates concurrent calls by fingerprint.
type flightGroup struct {
	mu      sync.Mutex
	flights map[string]*flight
}

func newFlightGroup() *flightGroup {
	return &flightGroup{flights: make(map[string]*flight)}
}

// join attaches to the flight for key, creating it when absent. The
// bool is true for the creator, who must eventually call finish. The
// flight's workCtx inherits ctx's values but not its cancellation.
func (g *flightGroup) join(ctx context.Context, key string) (*flight, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if f, ok := g.flights[key]; ok {
		f.waiters++
		return f, false
	}
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flight{key: key, waiters: 1, workCtx: workCtx, cancel: cancel, done: make(chan struct{})}
	g.flights[key] = f
	return f, true
}

// finish publishes the result, removes the flight, and releases every
// waiter.
func (g *flightGroup) finish(f *flight, resp *models.Response, err error) {
	g.mu.Lock()
	f.resp = resp
	f.err = err
	delete(g.flights, f.key)
	g.mu.Unlock()
	f.cancel()
	close(f.done)
}

// do runs work once per key among concurrent callers. The returned
// bool is true when this caller's result came from another caller's
// flight.
func (g *flightGroup) do(ctx context.Context, key string, work func(workCtx context.Context, f *flight) (*models.Response, error)) (*models.Response, bool, error) {
	f, leader := g.join(ctx, key)
	if leader {
		go func() {
			resp, err := work(f.workCtx, f)
			g.finish(f, resp, err)
		}()
	}
	return g.wait(ctx, f, !leader)
}

// wait blocks until the flight completes or the caller's context ends.
func (g *flightGroup) wait(ctx context.Context, f *flight, shared bool) (*models.Response, bool, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return nil, shared, f.err
		}
		// Each waiter gets its own copy; callers mutate cache flags.
		resp := *f.resp
		return &resp, shared, nil
	case <-ctx.Done():
		g.leave(f)
		return nil, shared, fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "request abandoned")
	}
}

// leave detaches a cancelled waiter. The last waiter out aborts the
// flight only if the provider call has not begun.
func (g *flightGroup) leave(f *flight) {
	g.mu.Lock()
	f.waiters--
	last := f.waiters <= 0
	g.mu.Unlock()

	if last && !f.started.Load() {
		log.Debug().Str("fingerprint", f.key).Msg("All waiters gone before dispatch, aborting flight")
		f.cancel()
	}
}
