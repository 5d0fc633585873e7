// Prometheus metrics fed from the core's event bus. The collector is a
// passive subscriber: it observes telemetry events and never touches the
// request path.
package telemetry

import (
	"github.com/crucible-ai/crucible/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the orchestration core.
type Metrics struct {
	RequestTotal      *prometheus.CounterVec
	RequestDurationMs *prometheus.HistogramVec
	CacheHitTotal     *prometheus.CounterVec
	TokensTotal       *prometheus.CounterVec
	CostUSDTotal      *prometheus.CounterVec
	BatchSize         prometheus.Histogram
	BudgetRejects     *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with reg. Pass a fresh
// registry in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crucible_request_total",
			Help: "Completed requests by provider, model, and outcome.",
		}, []string{"provider", "model", "status"}),

		RequestDurationMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crucible_request_duration_ms",
			Help:    "End-to-end request duration in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"provider", "model"}),

		CacheHitTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crucible_cache_hit_total",
			Help: "Cache hits by tier.",
		}, []string{"tier"}),

		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crucible_tokens_total",
			Help: "Total tokens processed.",
		}, []string{"provider", "model"}),

		CostUSDTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crucible_cost_usd_total",
			Help: "Estimated total cost in USD.",
		}, []string{"provider", "model"}),

		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crucible_batch_size",
			Help:    "Dispatched batch sizes.",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		}),

		BudgetRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crucible_budget_reject_total",
			Help: "Admissions refused by the budget controller.",
		}, []string{"provider", "model"}),
	}
}

// Consume subscribes to the bus and records events until the bus
// subscription is cancelled. Call in a goroutine; returns when the
// channel closes.
func (m *Metrics) Consume(bus *events.Bus) func() {
	ch, cancel := bus.Subscribe(256)
	go func() {
		for ev := range ch {
			m.record(ev)
		}
	}()
	return cancel
}

func (m *Metrics) record(ev events.Event) {
	switch ev.Type {
	case events.RequestCompleted:
		m.RequestTotal.WithLabelValues(ev.Provider, ev.Model, "ok").Inc()
		m.RequestDurationMs.WithLabelValues(ev.Provider, ev.Model).Observe(float64(ev.Latency.Milliseconds()))
		if ev.Tokens > 0 {
			m.TokensTotal.WithLabelValues(ev.Provider, ev.Model).Add(float64(ev.Tokens))
		}
		if ev.CostUSD > 0 {
			m.CostUSDTotal.WithLabelValues(ev.Provider, ev.Model).Add(ev.CostUSD)
		}
	case events.RequestFailed:
		m.RequestTotal.WithLabelValues(ev.Provider, ev.Model, ev.Kind).Inc()
	case events.RequestCacheHit:
		m.CacheHitTotal.WithLabelValues(ev.Tier).Inc()
	case events.BatchFlushed:
		m.BatchSize.Observe(float64(ev.BatchSize))
	case events.BudgetExceeded:
		m.BudgetRejects.WithLabelValues(ev.Provider, ev.Model).Inc()
	}
}
