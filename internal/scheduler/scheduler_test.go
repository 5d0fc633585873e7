package scheduler_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crucible-ai/crucible/internal/budget"
	"github.com/crucible-ai/crucible/internal/cache"
	"github.com/crucible-ai/crucible/internal/config"
	"github.com/crucible-ai/crucible/internal/events"
	"github.com/crucible-ai/crucible/internal/fault"
	"github.com/crucible-ai/crucible/internal/provider"
	"github.com/crucible-ai/crucible/internal/scheduler"
	"github.com/crucible-ai/crucible/pkg/models"
)

type fixture struct {
	sched *scheduler.Scheduler
	mock  *provider.Mock
	bus   *events.Bus
}

type fixtureOption func(*config.SchedulerConfig, *config.RetryConfig, *config.BudgetConfig)

func withBatching(size int) fixtureOption {
	return func(sc *config.SchedulerConfig, _ *config.RetryConfig, _ *config.BudgetConfig) {
		sc.InitialBatchSize = size
		sc.MaxBatchSize = size
	}
}

func withBudget(maxTokens int64) fixtureOption {
	return func(_ *config.SchedulerConfig, _ *config.RetryConfig, bc *config.BudgetConfig) {
		bc.MaxTokens = maxTokens
	}
}

func newFixture(opts ...fixtureOption) *fixture {
	schedCfg := config.SchedulerConfig{
		MaxConcurrentPerProvider: 0,
		BatchWindow:              100 * time.Millisecond,
		InitialBatchSize:         1,
		MaxBatchSize:             1,
		TargetLatency:            time.Second,
		StreamChunkSize:          8,
	}
	retryCfg := config.RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		JitterRatio: 0,
	}
	budgetCfg := config.BudgetConfig{
		Window:   time.Minute,
		OnExceed: config.ExceedReject,
	}
	for _, opt := range opts {
		opt(&schedCfg, &retryCfg, &budgetCfg)
	}

	registry := provider.NewRegistry()
	mock := provider.NewMock("mock")
	registry.Register(mock)

	exact := cache.NewExactTier(cache.NewMemoryKV(), config.ExactTierConfig{
		MaxEntries: 1000,
		DefaultTTL: time.Hour,
	})
	resultCache := cache.New(exact, nil, config.CacheConfig{Enabled: true})

	ctrl := budget.NewController(budgetCfg, schedCfg.MaxConcurrentPerProvider)
	bus := events.NewBus()
	return &fixture{
		sched: scheduler.New(registry, resultCache, ctrl, bus, schedCfg, retryCfg),
		mock:  mock,
		bus:   bus,
	}
}

func chatRequest(prompt string) *models.Request {
	return &models.Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: prompt}},
		Provider: "mock",
		Model:    "mock-chat",
		Options:  models.SamplingOptions{Temperature: 0.2, TopP: 1, MaxOutputTokens: 128},
	}
}

func TestCompleteReturnsProviderResponse(t *testing.T) {
	fx := newFixture()

	resp, err := fx.sched.Complete(context.Background(), chatRequest("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "echo: hello" {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens == 0 {
		t.Fatal("usage must be populated")
	}
	if resp.CostUSD == 0 {
		t.Fatal("cost must be computed from the descriptor")
	}
}

func TestCompleteServesSecondCallFromCache(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	if _, err := fx.sched.Complete(ctx, chatRequest("same prompt")); err != nil {
		t.Fatal(err)
	}
	resp, err := fx.sched.Complete(ctx, chatRequest("same prompt"))
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Cached {
		t.Fatal("second identical request must be a cache hit")
	}
	if calls := fx.mock.Calls(); calls != 1 {
		t.Fatalf("provider called %d times, want 1", calls)
	}
}

func TestCompleteDeduplicatesConcurrentIdenticalRequests(t *testing.T) {
	fx := newFixture()
	fx.mock.Reply = func(req *models.Request) string {
		time.Sleep(50 * time.Millisecond)
		return "slow answer"
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	resps := make([]*models.Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resps[i], errs[i] = fx.sched.Complete(context.Background(), chatRequest("dedup me"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if resps[i].Content != "slow answer" {
			t.Fatalf("request %d got %q", i, resps[i].Content)
		}
	}
	if calls := fx.mock.Calls(); calls != 1 {
		t.Fatalf("provider called %d times for identical concurrent requests, want 1", calls)
	}
}

func TestCompleteRetriesRetryableFailures(t *testing.T) {
	fx := newFixture()
	fx.mock.Fail = func(attempt int64) error {
		if attempt == 1 {
			return fault.Newf(fault.KindRetryable, "transient upstream error")
		}
		return nil
	}

	resp, err := fx.sched.Complete(context.Background(), chatRequest("retry me"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content == "" {
		t.Fatal("expected a response after retry")
	}
	if calls := fx.mock.Calls(); calls != 2 {
		t.Fatalf("provider called %d times, want 2", calls)
	}
}

func TestCompleteDoesNotRetryNonRetryableFailures(t *testing.T) {
	fx := newFixture()
	fx.mock.Fail = func(int64) error {
		return fault.Newf(fault.KindNonRetryable, "bad request upstream")
	}

	_, err := fx.sched.Complete(context.Background(), chatRequest("fail me"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if fault.KindOf(err) != fault.KindNonRetryable {
		t.Fatalf("kind = %s", fault.KindOf(err))
	}
	if calls := fx.mock.Calls(); calls != 1 {
		t.Fatalf("provider called %d times, want 1", calls)
	}
	if fault.Attempts(err) != 1 {
		t.Fatalf("attempts = %d, want 1", fault.Attempts(err))
	}
}

func TestCompleteExhaustsRetries(t *testing.T) {
	fx := newFixture()
	fx.mock.Fail = func(int64) error {
		return fault.Newf(fault.KindRetryable, "always down")
	}

	_, err := fx.sched.Complete(context.Background(), chatRequest("doomed"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if fault.Attempts(err) != 3 {
		t.Fatalf("attempts = %d, want 3", fault.Attempts(err))
	}
}

func TestCompleteRejectsInvalidRequest(t *testing.T) {
	fx := newFixture()

	_, err := fx.sched.Complete(context.Background(), &models.Request{
		Provider: "mock",
		Model:    "mock-chat",
	})
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("kind = %s, want validation", fault.KindOf(err))
	}
}

func TestCompleteRejectsUnknownProviderAndModel(t *testing.T) {
	fx := newFixture()

	req := chatRequest("hello")
	req.Provider = "nope"
	if _, err := fx.sched.Complete(context.Background(), req); fault.KindOf(err) != fault.KindNonRetryable {
		t.Fatalf("unknown provider: kind = %s", fault.KindOf(err))
	}

	req = chatRequest("hello")
	req.Model = "no-such-model"
	if _, err := fx.sched.Complete(context.Background(), req); fault.KindOf(err) != fault.KindNonRetryable {
		t.Fatalf("unknown model: kind = %s", fault.KindOf(err))
	}
}

func TestCompleteHonorsDeadline(t *testing.T) {
	fx := newFixture()
	fx.mock.Reply = func(*models.Request) string {
		time.Sleep(200 * time.Millisecond)
		return "too late"
	}

	req := chatRequest("deadline")
	req.Deadline = time.Now().Add(30 * time.Millisecond)
	_, err := fx.sched.Complete(context.Background(), req)
	if fault.KindOf(err) != fault.KindDeadlineExceeded {
		t.Fatalf("kind = %s, want deadline_exceeded", fault.KindOf(err))
	}
}

func TestCompleteSurfacesBudgetRejection(t *testing.T) {
	fx := newFixture(withBudget(1))

	_, err := fx.sched.Complete(context.Background(), chatRequest("expensive"))
	if fault.KindOf(err) != fault.KindBudgetExceeded {
		t.Fatalf("kind = %s, want budget_exceeded", fault.KindOf(err))
	}
}

func TestStreamDeliversChunksAndTerminal(t *testing.T) {
	fx := newFixture()

	chunks, err := fx.sched.Stream(context.Background(), chatRequest("stream me please"))
	if err != nil {
		t.Fatal(err)
	}

	var b strings.Builder
	sawTerminal := false
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatal(chunk.Err)
		}
		b.WriteString(chunk.Delta)
		if chunk.Terminal() {
			sawTerminal = true
			if chunk.Usage == nil {
				t.Fatal("terminal chunk must carry usage")
			}
		}
	}
	if !sawTerminal {
		t.Fatal("stream ended without a terminal chunk")
	}
	if got := b.String(); got != "echo: stream me please" {
		t.Fatalf("assembled %q", got)
	}
}

func TestStreamSynthesizesFromCache(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	if _, err := fx.sched.Complete(ctx, chatRequest("cache then stream")); err != nil {
		t.Fatal(err)
	}

	chunks, err := fx.sched.Stream(ctx, chatRequest("cache then stream"))
	if err != nil {
		t.Fatal(err)
	}
	var b strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatal(chunk.Err)
		}
		b.WriteString(chunk.Delta)
	}
	if got := b.String(); got != "echo: cache then stream" {
		t.Fatalf("synthesized %q", got)
	}
	if calls := fx.mock.Calls(); calls != 1 {
		t.Fatalf("provider called %d times, want 1", calls)
	}
}

func TestStreamFollowersReplayTheSharedFlight(t *testing.T) {
	fx := newFixture()
	fx.mock.Reply = func(*models.Request) string {
		time.Sleep(50 * time.Millisecond)
		return "shared stream body"
	}

	const n = 4
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chunks, err := fx.sched.Stream(context.Background(), chatRequest("shared"))
			if err != nil {
				errs[i] = err
				return
			}
			var b strings.Builder
			for chunk := range chunks {
				if chunk.Err != nil {
					errs[i] = chunk.Err
					return
				}
				b.WriteString(chunk.Delta)
			}
			results[i] = b.String()
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("stream %d: %v", i, errs[i])
		}
		if results[i] != "shared stream body" {
			t.Fatalf("stream %d assembled %q", i, results[i])
		}
	}
	if calls := fx.mock.Calls(); calls != 1 {
		t.Fatalf("provider streamed %d times, want 1", calls)
	}
}

func TestBatcherCoalescesConcurrentRequests(t *testing.T) {
	fx := newFixture(withBatching(4))
	sub, unsubscribe := fx.bus.Subscribe(64)
	defer unsubscribe()

	const n = 4
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prompt := "batched " + string(rune('a'+i))
			if _, err := fx.sched.Complete(context.Background(), chatRequest(prompt)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.BatchFlushed && ev.BatchSize > 1 {
				return
			}
		case <-deadline:
			t.Fatal("no multi-request batch flush observed")
		}
	}
}

func TestCompletePublishesTokenAccounting(t *testing.T) {
	fx := newFixture()
	sub, unsubscribe := fx.bus.Subscribe(64)
	defer unsubscribe()

	resp, err := fx.sched.Complete(context.Background(), chatRequest("count me"))
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type != events.RequestCompleted {
				continue
			}
			if ev.Tokens != int64(resp.Usage.TotalTokens) {
				t.Fatalf("event tokens = %d, response usage = %d", ev.Tokens, resp.Usage.TotalTokens)
			}
			if ev.CostUSD == 0 {
				t.Fatal("completion event must carry the reconciled cost")
			}
			return
		case <-deadline:
			t.Fatal("no completion event observed")
		}
	}
}

// quietStreamer streams deltas but never reports usage, like a backend
// that omits the final accounting frame.
type quietStreamer struct{}

func (quietStreamer) ID() string { return "quiet" }

func (quietStreamer) Descriptor() models.ProviderDescriptor {
	return models.ProviderDescriptor{
		ID: "quiet",
		Models: []models.ModelInfo{
			{Name: "quiet-chat", Family: "quiet", MaxInputTokens: 32_000, InputCostPer1K: 0.001, OutputCostPer1K: 0.002, SupportsStream: true},
		},
	}
}

func (quietStreamer) Complete(context.Context, *models.Request) (*models.Response, error) {
	return nil, fault.New(fault.KindNonRetryable, "stream only")
}

func (quietStreamer) CompleteBatch(context.Context, []*models.Request) ([]*models.Response, error) {
	return nil, fault.New(fault.KindNonRetryable, "stream only")
}

func (quietStreamer) Stream(ctx context.Context, req *models.Request) (<-chan models.StreamChunk, error) {
	ch := make(chan models.StreamChunk, 4)
	go func() {
		defer close(ch)
		ch <- models.StreamChunk{Delta: "several words"}
		ch <- models.StreamChunk{Delta: " of streamed output"}
		ch <- models.StreamChunk{FinishReason: models.FinishStop}
	}()
	return ch, nil
}

func (quietStreamer) Embed(context.Context, string, []string) ([]models.Embedding, error) {
	return nil, fault.New(fault.KindNonRetryable, "no embeddings")
}

func (quietStreamer) CountTokens(text string) int { return len(strings.Fields(text)) }

func TestStreamWithoutUsageFrameStillReconcilesBudget(t *testing.T) {
	registry := provider.NewRegistry()
	registry.Register(quietStreamer{})
	exact := cache.NewExactTier(cache.NewMemoryKV(), config.ExactTierConfig{
		MaxEntries: 100,
		DefaultTTL: time.Hour,
	})
	resultCache := cache.New(exact, nil, config.CacheConfig{Enabled: true})
	ctrl := budget.NewController(config.BudgetConfig{Window: time.Minute, OnExceed: config.ExceedReject}, 0)
	sched := scheduler.New(registry, resultCache, ctrl, events.NewBus(), config.SchedulerConfig{
		BatchWindow:      100 * time.Millisecond,
		InitialBatchSize: 1,
		MaxBatchSize:     1,
		StreamChunkSize:  8,
	}, config.RetryConfig{MaxAttempts: 1})

	req := &models.Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "please stream"}},
		Provider: "quiet",
		Model:    "quiet-chat",
		Options:  models.SamplingOptions{Temperature: 0.2, TopP: 1, MaxOutputTokens: 128},
	}
	chunks, err := sched.Stream(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatal(chunk.Err)
		}
	}

	// Reconciliation runs just after the last chunk is delivered.
	deadline := time.Now().Add(time.Second)
	for {
		usage := ctrl.Snapshot()["quiet/quiet-chat"]
		if usage.WindowTokens > 0 && usage.ReservedTokens == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("budget never reconciled from assembled content: %+v", usage)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIdempotencyKeyDeduplicatesDifferentPrompts(t *testing.T) {
	fx := newFixture()
	fx.mock.Reply = func(*models.Request) string {
		time.Sleep(50 * time.Millisecond)
		return "keyed"
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := chatRequest("different prompt " + string(rune('a'+i)))
			req.IdempotencyKey = "same-key"
			if _, err := fx.sched.Complete(context.Background(), req); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	if calls := fx.mock.Calls(); calls != 1 {
		t.Fatalf("provider called %d times for one idempotency key, want 1", calls)
	}
}
