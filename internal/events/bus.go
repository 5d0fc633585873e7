// Package events is the telemetry hook of the orchestration core. The
// scheduler, cache, and budget controller publish structured events;
// consumers subscribe with a buffered channel. Emission never blocks;
// events are dropped when a subscriber falls behind.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type enumerates the emitted events.
type Type string

const (
	RequestAdmitted  Type = "request-admitted"
	RequestCacheHit  Type = "request-cache-hit"
	RequestStarted   Type = "request-started"
	RequestCompleted Type = "request-completed"
	RequestFailed    Type = "request-failed"
	BatchFlushed     Type = "batch-flushed"
	BudgetExceeded   Type = "budget-exceeded"
)

// Event is one structured telemetry record.
type Event struct {
	Type        Type      `json:"type"`
	Time        time.Time `json:"time"`
	Provider    string    `json:"provider,omitempty"`
	Model       string    `json:"model,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`

	// Tier is "exact" or "vector" on cache-hit events.
	Tier string `json:"tier,omitempty"`

	// Kind is the failure kind on request-failed events.
	Kind string `json:"kind,omitempty"`

	Tokens    int64         `json:"tokens,omitempty"`
	CostUSD   float64       `json:"cost_usd,omitempty"`
	Latency   time.Duration `json:"latency,omitempty"`
	BatchSize int           `json:"batch_size,omitempty"`
}

// Bus fans events out to subscribers. Thread-safe.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a consumer with the given channel buffer. The
// returned cancel function closes the channel and detaches the consumer.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer space.
// Slow subscribers lose events rather than stall the pipeline.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many events were discarded due to slow subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
