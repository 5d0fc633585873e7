// Package scheduler is the dispatch pipeline: every completion flows
// validate → fingerprint → cache probe → single-flight join → budget
// admission → (batched) provider call with retry → cache store.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/crucible-ai/crucible/internal/budget"
	"github.com/crucible-ai/crucible/internal/cache"
	"github.com/crucible-ai/crucible/internal/config"
	"github.com/crucible-ai/crucible/internal/events"
	"github.com/crucible-ai/crucible/internal/fault"
	"github.com/crucible-ai/crucible/internal/fingerprint"
	"github.com/crucible-ai/crucible/internal/provider"
	"github.com/crucible-ai/crucible/pkg/contracts"
	"github.com/crucible-ai/crucible/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// defaultOutputEstimate is the completion-token estimate used for
// budget reservation when the request sets no output cap.
const defaultOutputEstimate = 1024

// Scheduler owns admission, deduplication, batching, and retry for
// every provider call.
type Scheduler struct {
	registry *provider.Registry
	cache    *cache.Cache
	budget   *budget.Controller
	bus      *events.Bus
	tracer   trace.Tracer

	mu    sync.RWMutex
	cfg   config.SchedulerConfig
	retry config.RetryConfig

	batch   *batcher
	flights *flightGroup
	seq     atomic.Uint64
}

// New wires the scheduler.
func New(registry *provider.Registry, resultCache *cache.Cache, ctrl *budget.Controller, bus *events.Bus, cfg config.SchedulerConfig, retry config.RetryConfig) *Scheduler {
	return &Scheduler{
		registry: registry,
		cache:    resultCache,
		budget:   ctrl,
		bus:      bus,
		tracer:   otel.Tracer("crucible/scheduler"),
		cfg:      cfg,
		retry:    retry,
		batch:    newBatcher(cfg, bus),
		flights:  newFlightGroup(),
	}
}

// SetTunables applies hot-reloaded scheduler and retry settings. Batch
// groups pick up new sizes on their next flush.
func (s *Scheduler) SetTunables(cfg config.SchedulerConfig, retry config.RetryConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.retry = retry
	s.mu.Unlock()
	s.batch.setConfig(cfg)
	log.Info().Msg("🔧 Scheduler tunables updated")
}

func (s *Scheduler) tunables() (config.SchedulerConfig, config.RetryConfig) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.retry
}

// Complete runs one request through the full pipeline and returns the
// final response.
func (s *Scheduler) Complete(ctx context.Context, req *models.Request) (*models.Response, error) {
	ctx, cancel, span, prov, fp, err := s.admitCommon(ctx, req)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer span.End()

	if hit := s.cache.Probe(ctx, req, fp); hit.Hit {
		s.publishCacheHit(req, fp, hit.Tier)
		span.SetAttributes(attribute.String("cache.tier", hit.Tier))
		return hit.Response, nil
	}

	resp, shared, err := s.flights.do(ctx, flightKey(req, fp), func(workCtx context.Context, f *flight) (*models.Response, error) {
		return s.execute(workCtx, f, prov, req, fp)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		span.SetAttributes(attribute.Bool("deduplicated", true))
	}
	return resp, nil
}

// Stream runs one request through the pipeline, delivering partials as
// they arrive. A cache hit or a joined in-progress flight synthesizes
// chunks from the complete response.
func (s *Scheduler) Stream(ctx context.Context, req *models.Request) (<-chan models.StreamChunk, error) {
	req.Stream = true
	ctx, cancel, span, prov, fp, err := s.admitCommon(ctx, req)
	if err != nil {
		return nil, err
	}

	cfg, _ := s.tunables()

	if hit := s.cache.Probe(ctx, req, fp); hit.Hit {
		s.publishCacheHit(req, fp, hit.Tier)
		span.SetAttributes(attribute.String("cache.tier", hit.Tier))
		span.End()
		cancel()
		return synthesizeStream(hit.Response, cfg.StreamChunkSize), nil
	}

	f, leader := s.flights.join(ctx, flightKey(req, fp))
	if !leader {
		// Followers wait for the shared flight and replay it.
		resp, _, err := s.flights.wait(ctx, f, true)
		span.End()
		cancel()
		if err != nil {
			return nil, err
		}
		return synthesizeStream(resp, cfg.StreamChunkSize), nil
	}

	out := make(chan models.StreamChunk, cfg.StreamChunkSize)
	go func() {
		defer cancel()
		s.streamLead(ctx, span, f, prov, req, fp, out)
	}()
	return out, nil
}

// admitCommon is the shared front of both entry points: identity,
// validation, provider resolution, deadline, span, fingerprint. The
// returned cancel releases the deadline timer and must always be
// called when err is nil.
func (s *Scheduler) admitCommon(ctx context.Context, req *models.Request) (context.Context, context.CancelFunc, trace.Span, contracts.Provider, string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Sequence = s.seq.Add(1)

	if err := req.Validate(time.Now()); err != nil {
		return ctx, nil, nil, nil, "", fault.Wrap(fault.KindValidation, err, "invalid request")
	}

	prov, err := s.registry.Get(req.Provider)
	if err != nil {
		return ctx, nil, nil, nil, "", fault.Wrap(fault.KindNonRetryable, err, "unknown provider")
	}
	if _, ok := prov.Descriptor().Model(req.Model); !ok {
		return ctx, nil, nil, nil, "", fault.Newf(fault.KindNonRetryable, "provider %s has no model %s", req.Provider, req.Model)
	}

	cancel := context.CancelFunc(func() {})
	if !req.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.dispatch", trace.WithAttributes(
		attribute.String("provider", req.Provider),
		attribute.String("model", req.Model),
		attribute.Int("priority", req.Priority),
	))

	return ctx, cancel, span, prov, fingerprint.Of(req), nil
}

// execute is the post-dedup path: budget admission, dispatch with
// retry, accounting, cache store.
func (s *Scheduler) execute(ctx context.Context, f *flight, prov contracts.Provider, req *models.Request, fp string) (*models.Response, error) {
	estTokens, estCost := s.estimate(prov, req)

	res, err := s.budget.Acquire(ctx, prov.ID(), req.Model, req.Priority, estTokens, estCost)
	if err != nil {
		if fault.KindOf(err) == fault.KindBudgetExceeded {
			s.bus.Publish(events.Event{Type: events.BudgetExceeded, Time: time.Now(), Provider: prov.ID(), Model: req.Model})
		}
		return nil, err
	}
	s.bus.Publish(events.Event{Type: events.RequestAdmitted, Time: time.Now(), Provider: prov.ID(), Model: req.Model, Fingerprint: fp})

	f.markStarted()
	start := time.Now()
	s.bus.Publish(events.Event{Type: events.RequestStarted, Time: start, Provider: prov.ID(), Model: req.Model, Fingerprint: fp})

	resp, err := s.dispatchWithRetry(ctx, prov, req)
	if err != nil {
		res.Release()
		s.bus.Publish(events.Event{
			Type: events.RequestFailed, Time: time.Now(),
			Provider: prov.ID(), Model: req.Model, Fingerprint: fp,
			Kind: string(fault.KindOf(err)), Latency: time.Since(start),
		})
		return nil, err
	}

	if resp.CostUSD == 0 {
		resp.CostUSD = prov.Descriptor().Cost(req.Model, resp.Usage)
	}
	res.Reconcile(resp.Usage, resp.CostUSD)
	s.cache.Store(ctx, req, fp, resp)
	s.bus.Publish(events.Event{
		Type: events.RequestCompleted, Time: time.Now(),
		Provider: prov.ID(), Model: req.Model, Fingerprint: fp,
		Tokens: int64(resp.Usage.TotalTokens), CostUSD: resp.CostUSD,
		Latency: time.Since(start),
	})
	return resp, nil
}

// dispatchWithRetry performs the provider call, batching the first
// attempt of batch-capable models and falling back to direct calls on
// retries. Only Retryable faults are retried; backoff is exponential
// with jitter.
func (s *Scheduler) dispatchWithRetry(ctx context.Context, prov contracts.Provider, req *models.Request) (*models.Response, error) {
	cfg, rc := s.tunables()
	circuit := s.registry.Circuit(prov.ID())

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rc.BaseBackoff
	bo.MaxInterval = rc.MaxBackoff
	bo.RandomizationFactor = rc.JitterRatio
	bo.Reset()

	info, _ := prov.Descriptor().Model(req.Model)
	maxAttempts := rc.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if circuit != nil && !circuit.Allow() {
			lastErr = fault.Newf(fault.KindRetryable, "provider %s circuit open", prov.ID()).WithProvider(prov.ID())
		} else {
			var resp *models.Response
			var err error
			if attempt == 1 && !req.Stream && info.SupportsBatch && cfg.MaxBatchSize > 1 {
				resp, err = s.batch.submit(ctx, prov, req)
			} else {
				resp, err = prov.Complete(ctx, req)
			}
			if err == nil {
				if circuit != nil {
					circuit.RecordSuccess()
				}
				return resp, nil
			}
			if circuit != nil && fault.IsRetryable(err) {
				circuit.RecordFailure()
			}
			lastErr = err
		}

		if !fault.IsRetryable(lastErr) || attempt == maxAttempts {
			break
		}
		wait := bo.NextBackOff()
		log.Debug().Err(lastErr).Int("attempt", attempt).Dur("backoff", wait).Msg("Retrying provider call")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "retry wait").WithAttempts(attempt)
		}
	}

	var fe *fault.Error
	if e, ok := lastErr.(*fault.Error); ok {
		fe = e
	} else {
		fe = fault.Wrap(fault.KindOf(lastErr), lastErr, "provider call failed")
	}
	return nil, fe.WithAttempts(attempts)
}

// streamLead drives a streaming flight: budget admission, the live
// provider stream, chunk forwarding, and final accounting.
func (s *Scheduler) streamLead(ctx context.Context, span trace.Span, f *flight, prov contracts.Provider, req *models.Request, fp string, out chan<- models.StreamChunk) {
	defer span.End()

	fail := func(err error) {
		s.flights.finish(f, nil, err)
		out <- models.StreamChunk{Err: err}
		close(out)
	}

	estTokens, estCost := s.estimate(prov, req)
	res, err := s.budget.Acquire(ctx, prov.ID(), req.Model, req.Priority, estTokens, estCost)
	if err != nil {
		if fault.KindOf(err) == fault.KindBudgetExceeded {
			s.bus.Publish(events.Event{Type: events.BudgetExceeded, Time: time.Now(), Provider: prov.ID(), Model: req.Model})
		}
		fail(err)
		return
	}

	f.markStarted()
	start := time.Now()
	s.bus.Publish(events.Event{Type: events.RequestStarted, Time: start, Provider: prov.ID(), Model: req.Model, Fingerprint: fp})

	chunks, err := prov.Stream(ctx, req)
	if err != nil {
		res.Release()
		fail(err)
		return
	}

	var content []byte
	var usage models.Usage
	finish := models.FinishStop
	for chunk := range chunks {
		if chunk.Err != nil {
			res.Release()
			s.bus.Publish(events.Event{
				Type: events.RequestFailed, Time: time.Now(),
				Provider: prov.ID(), Model: req.Model, Fingerprint: fp,
				Kind: string(fault.KindOf(chunk.Err)), Latency: time.Since(start),
			})
			fail(chunk.Err)
			return
		}
		content = append(content, chunk.Delta...)
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		out <- chunk
	}
	close(out)

	if usage.TotalTokens == 0 {
		// No usage frame arrived; estimate from the prompt and the
		// assembled output so the budget window still reflects the call.
		for _, m := range req.Messages {
			usage.PromptTokens += prov.CountTokens(m.Content)
		}
		usage.CompletionTokens = prov.CountTokens(string(content))
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	resp := &models.Response{
		Content:      string(content),
		Provider:     prov.ID(),
		Model:        req.Model,
		Usage:        usage,
		FinishReason: finish,
	}
	resp.CostUSD = prov.Descriptor().Cost(req.Model, usage)
	res.Reconcile(usage, resp.CostUSD)

	// Only complete streams are cached; an aborted stream never
	// reaches this point.
	s.cache.Store(ctx, req, fp, resp)
	s.flights.finish(f, resp, nil)
	s.bus.Publish(events.Event{
		Type: events.RequestCompleted, Time: time.Now(),
		Provider: prov.ID(), Model: req.Model, Fingerprint: fp,
		Tokens: int64(usage.TotalTokens), CostUSD: resp.CostUSD,
		Latency: time.Since(start),
	})
}

// estimate projects token and cost usage for budget reservation.
func (s *Scheduler) estimate(prov contracts.Provider, req *models.Request) (int64, float64) {
	promptTokens := 0
	for _, m := range req.Messages {
		promptTokens += prov.CountTokens(m.Content) + 4
	}
	outTokens := req.Options.MaxOutputTokens
	if outTokens <= 0 {
		outTokens = defaultOutputEstimate
	}
	est := models.Usage{PromptTokens: promptTokens, CompletionTokens: outTokens, TotalTokens: promptTokens + outTokens}
	return int64(est.TotalTokens), prov.Descriptor().Cost(req.Model, est)
}

func (s *Scheduler) publishCacheHit(req *models.Request, fp, tier string) {
	s.bus.Publish(events.Event{
		Type: events.RequestCacheHit, Time: time.Now(),
		Provider: req.Provider, Model: req.Model, Fingerprint: fp, Tier: tier,
	})
}

// flightKey is the dedup key: the idempotency key when the caller set
// one, otherwise the fingerprint.
func flightKey(req *models.Request, fp string) string {
	if req.IdempotencyKey != "" {
		return req.IdempotencyKey
	}
	return fp
}

// synthesizeStream replays a complete response as a chunk stream,
// chunkSize runes at a time.
func synthesizeStream(resp *models.Response, chunkSize int) <-chan models.StreamChunk {
	if chunkSize <= 0 {
		chunkSize = 64
	}
	out := make(chan models.StreamChunk, 4)
	go func() {
		defer close(out)
		runes := []rune(resp.Content)
		for i := 0; i < len(runes); i += chunkSize {
			end := i + chunkSize
			if end > len(runes) {
				end = len(runes)
			}
			out <- models.StreamChunk{Delta: string(runes[i:end])}
		}
		usage := resp.Usage
		out <- models.StreamChunk{FinishReason: resp.FinishReason, Usage: &usage}
	}()
	return out
}
