// Package budget admits, delays, or rejects work against sliding token
// and cost windows, and caps in-flight concurrency per provider.
//
// Admission is a reservation protocol: Acquire reserves estimated
// usage, then exactly one of Reconcile (charge actual usage) or
// Release (drop the reservation) follows. Reservations keep the window
// honest while calls are in flight.
package budget

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crucible-ai/crucible/internal/config"
	"github.com/crucible-ai/crucible/internal/fault"
	"github.com/crucible-ai/crucible/pkg/models"
	"github.com/rs/zerolog/log"
)

// Decision is the admission outcome for one evaluation.
type Decision int

const (
	Admit Decision = iota
	Delay
	Reject
)

// windowBuckets subdivides the sliding window. More buckets tighten
// the approximation at the cost of a longer rotation loop.
const windowBuckets = 12

type bucket struct {
	tokens int64
	cost   float64
}

type waiter struct {
	priority  int
	seq       uint64
	estTokens int64
	estCost   float64
	ready     chan struct{} // closed when the reservation is granted
	cancelled atomic.Bool
	index     int
}

type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }
func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}
func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return w
}

// state is the per-(provider, model) accounting.
type state struct {
	buckets    [windowBuckets]bucket
	head       int       // current bucket
	headStart  time.Time // when the current bucket opened
	resTokens  int64
	resCost    float64
	waiters    waiterQueue
}

// Controller enforces budgets and concurrency. All methods are safe for
// concurrent use.
type Controller struct {
	cfg           config.BudgetConfig
	maxConcurrent int
	clock         func() time.Time

	mu       sync.Mutex
	states   map[string]*state
	inflight map[string]int // per provider
	seq      uint64
}

// Option configures the controller.
type Option func(*Controller)

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// NewController creates a budget controller. maxConcurrent caps
// in-flight calls per provider; zero means unlimited.
func NewController(cfg config.BudgetConfig, maxConcurrent int, opts ...Option) *Controller {
	c := &Controller{
		cfg:           cfg,
		maxConcurrent: maxConcurrent,
		clock:         time.Now,
		states:        make(map[string]*state),
		inflight:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetConfig applies hot-reloaded budget limits. Queued waiters are
// re-evaluated against the new limits on their next kick.
func (c *Controller) SetConfig(cfg config.BudgetConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	log.Info().Msg("🔧 Budget limits updated")
}

// Reservation is one admitted unit of work. Exactly one of Reconcile or
// Release must be called; extra calls are no-ops.
type Reservation struct {
	ctrl      *Controller
	key       string
	provider  string
	estTokens int64
	estCost   float64
	settled   atomic.Bool
}

func stateKey(provider, model string) string { return provider + "/" + model }

// Acquire blocks until the request is admitted, its context ends, or
// the policy rejects it. Waiters are served highest priority first,
// FIFO within a priority.
func (c *Controller) Acquire(ctx context.Context, provider, model string, priority int, estTokens int64, estCost float64) (*Reservation, error) {
	key := stateKey(provider, model)

	c.mu.Lock()
	st := c.state(key)
	decision := c.evaluate(st, provider, estTokens, estCost)

	if decision == Admit && len(st.waiters) == 0 {
		c.reserveLocked(st, provider, estTokens, estCost)
		c.mu.Unlock()
		return &Reservation{ctrl: c, key: key, provider: provider, estTokens: estTokens, estCost: estCost}, nil
	}

	if decision == Delay && c.cfg.OnExceed == config.ExceedReject && !c.concurrencyBound(provider) {
		c.mu.Unlock()
		return nil, fault.Newf(fault.KindBudgetExceeded, "budget exceeded for %s (policy: reject)", key)
	}

	// Delay: enqueue and wait for a grant.
	c.seq++
	w := &waiter{priority: priority, seq: c.seq, estTokens: estTokens, estCost: estCost, ready: make(chan struct{})}
	heap.Push(&st.waiters, w)
	c.mu.Unlock()

	bucketDur := c.bucketDuration()
	for {
		select {
		case <-w.ready:
			return &Reservation{ctrl: c, key: key, provider: provider, estTokens: estTokens, estCost: estCost}, nil
		case <-ctx.Done():
			w.cancelled.Store(true)
			// The grant may have raced the cancellation.
			select {
			case <-w.ready:
				r := &Reservation{ctrl: c, key: key, provider: provider, estTokens: estTokens, estCost: estCost}
				r.Release()
			default:
			}
			return nil, fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "budget wait")
		case <-time.After(bucketDur):
			// Window may have slid; re-kick admission.
			c.mu.Lock()
			c.kickLocked(key)
			c.mu.Unlock()
		}
	}
}

// Reconcile charges actual usage to the window and releases the
// reservation and concurrency slot.
func (r *Reservation) Reconcile(usage models.Usage, costUSD float64) {
	if !r.settled.CompareAndSwap(false, true) {
		return
	}
	c := r.ctrl
	c.mu.Lock()
	st := c.state(r.key)
	c.advanceLocked(st)
	st.resTokens -= r.estTokens
	st.resCost -= r.estCost
	st.buckets[st.head].tokens += int64(usage.TotalTokens)
	st.buckets[st.head].cost += costUSD
	c.inflight[r.provider]--
	c.kickLocked(r.key)
	c.mu.Unlock()
}

// Release drops the reservation without charging, for failed or
// cancelled calls.
func (r *Reservation) Release() {
	if !r.settled.CompareAndSwap(false, true) {
		return
	}
	c := r.ctrl
	c.mu.Lock()
	st := c.state(r.key)
	st.resTokens -= r.estTokens
	st.resCost -= r.estCost
	c.inflight[r.provider]--
	c.kickLocked(r.key)
	c.mu.Unlock()
}

// Usage is a point-in-time window snapshot for one (provider, model).
type Usage struct {
	WindowTokens   int64   `json:"window_tokens"`
	WindowCostUSD  float64 `json:"window_cost_usd"`
	ReservedTokens int64   `json:"reserved_tokens"`
	Waiting        int     `json:"waiting"`
}

// Snapshot reports current usage per (provider, model) key.
func (c *Controller) Snapshot() map[string]Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Usage, len(c.states))
	for key, st := range c.states {
		c.advanceLocked(st)
		tokens, cost := windowTotals(st)
		out[key] = Usage{
			WindowTokens:   tokens,
			WindowCostUSD:  cost,
			ReservedTokens: st.resTokens,
			Waiting:        len(st.waiters),
		}
	}
	return out
}

// ── internals (all require mu) ──────────────────────────────────────

func (c *Controller) state(key string) *state {
	st, ok := c.states[key]
	if !ok {
		st = &state{headStart: c.clock()}
		c.states[key] = st
	}
	return st
}

func (c *Controller) bucketDuration() time.Duration {
	if c.cfg.Window <= 0 {
		return time.Second
	}
	return c.cfg.Window / windowBuckets
}

// advanceLocked rotates expired buckets. Lazy: runs only when the
// state is touched, never on a timer.
func (c *Controller) advanceLocked(st *state) {
	dur := c.bucketDuration()
	now := c.clock()
	for now.Sub(st.headStart) >= dur {
		st.head = (st.head + 1) % windowBuckets
		st.buckets[st.head] = bucket{}
		st.headStart = st.headStart.Add(dur)
		// A long idle gap clears the whole window in one pass.
		if now.Sub(st.headStart) >= c.cfg.Window {
			for i := range st.buckets {
				st.buckets[i] = bucket{}
			}
			st.headStart = now
			break
		}
	}
}

func windowTotals(st *state) (int64, float64) {
	var tokens int64
	var cost float64
	for _, b := range st.buckets {
		tokens += b.tokens
		cost += b.cost
	}
	return tokens, cost
}

func (c *Controller) concurrencyBound(provider string) bool {
	return c.maxConcurrent > 0 && c.inflight[provider] >= c.maxConcurrent
}

// evaluate decides admission for an estimate against the current
// window. Concurrency saturation is always Delay; budget exhaustion is
// Delay or Reject per policy (resolved by the caller).
func (c *Controller) evaluate(st *state, provider string, estTokens int64, estCost float64) Decision {
	if c.concurrencyBound(provider) {
		return Delay
	}
	c.advanceLocked(st)
	tokens, cost := windowTotals(st)
	if c.cfg.MaxTokens > 0 && tokens+st.resTokens+estTokens > c.cfg.MaxTokens {
		return Delay
	}
	if c.cfg.MaxCostUSD > 0 && cost+st.resCost+estCost > c.cfg.MaxCostUSD {
		return Delay
	}
	return Admit
}

func (c *Controller) reserveLocked(st *state, provider string, estTokens int64, estCost float64) {
	st.resTokens += estTokens
	st.resCost += estCost
	c.inflight[provider]++
}

// kickLocked grants reservations to eligible head waiters in order.
// Stops at the first waiter the window cannot accommodate, preserving
// priority+FIFO service even when a smaller request behind it would
// fit.
func (c *Controller) kickLocked(key string) {
	st := c.states[key]
	if st == nil {
		return
	}
	provider := key
	if i := strings.IndexByte(key, '/'); i >= 0 {
		provider = key[:i]
	}
	for len(st.waiters) > 0 {
		head := st.waiters[0]
		if head.cancelled.Load() {
			heap.Pop(&st.waiters)
			continue
		}
		if c.evaluate(st, provider, head.estTokens, head.estCost) != Admit {
			return
		}
		heap.Pop(&st.waiters)
		c.reserveLocked(st, provider, head.estTokens, head.estCost)
		close(head.ready)
		log.Debug().Str("key", key).Int("priority", head.priority).Msg("Budget waiter admitted")
	}
}
