package agent_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/crucible-ai/crucible/internal/agent"
	"github.com/crucible-ai/crucible/internal/budget"
	"github.com/crucible-ai/crucible/internal/cache"
	"github.com/crucible-ai/crucible/internal/config"
	"github.com/crucible-ai/crucible/internal/events"
	"github.com/crucible-ai/crucible/internal/fault"
	"github.com/crucible-ai/crucible/internal/provider"
	"github.com/crucible-ai/crucible/internal/scheduler"
	"github.com/crucible-ai/crucible/pkg/models"
)

func newRuntime(cfg config.AgentConfig, mocks ...*provider.Mock) *agent.Runtime {
	registry := provider.NewRegistry()
	for _, m := range mocks {
		registry.Register(m)
	}

	exact := cache.NewExactTier(cache.NewMemoryKV(), config.ExactTierConfig{MaxEntries: 100})
	resultCache := cache.New(exact, nil, config.CacheConfig{Enabled: false})
	ctrl := budget.NewController(config.BudgetConfig{Window: time.Minute, OnExceed: config.ExceedReject}, 0)

	sched := scheduler.New(registry, resultCache, ctrl, events.NewBus(), config.SchedulerConfig{
		BatchWindow:      10 * time.Millisecond,
		InitialBatchSize: 1,
		MaxBatchSize:     1,
		StreamChunkSize:  8,
	}, config.RetryConfig{
		MaxAttempts: 1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	})
	return agent.NewRuntime(registry, sched, cfg)
}

func TestRegisterValidatesSpec(t *testing.T) {
	rt := newRuntime(config.AgentConfig{}, provider.NewMock("mock"))

	cases := []struct {
		name string
		spec models.AgentSpec
	}{
		{"empty name", models.AgentSpec{SystemPrompt: "x"}},
		{"unknown parser", models.AgentSpec{Name: "a", SystemPrompt: "x", Parser: "yaml"}},
		{"bad template", models.AgentSpec{Name: "a", SystemPrompt: "{{.broken"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := rt.Register(tc.spec); fault.KindOf(err) != fault.KindValidation {
				t.Fatalf("kind = %s, want validation", fault.KindOf(err))
			}
		})
	}
}

func TestRunRendersSystemPrompt(t *testing.T) {
	mock := provider.NewMock("mock")
	rt := newRuntime(config.AgentConfig{}, mock)
	rt.Register(models.AgentSpec{
		Name:         "researcher",
		SystemPrompt: "You research {{.topic}} thoroughly.",
		Provider:     "mock",
	})

	result, err := rt.Run(context.Background(), "researcher", "Summarize recent findings.", map[string]any{"topic": "fusion"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Provider != "mock" {
		t.Fatalf("provider = %q", result.Provider)
	}

	reqs := mock.Requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests", len(reqs))
	}
	if got := reqs[0].Messages[0].Content; got != "You research fusion thoroughly." {
		t.Fatalf("system prompt = %q", got)
	}
	if reqs[0].Metadata["agent"] != "researcher" {
		t.Fatal("agent name must be carried in request metadata")
	}
}

func TestRunMissingTemplateVariableFails(t *testing.T) {
	rt := newRuntime(config.AgentConfig{}, provider.NewMock("mock"))
	rt.Register(models.AgentSpec{
		Name:         "needy",
		SystemPrompt: "Uses {{.missing}}.",
		Provider:     "mock",
	})

	_, err := rt.Run(context.Background(), "needy", "task", nil)
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("kind = %s, want validation", fault.KindOf(err))
	}
}

func TestRunUnknownAgentFails(t *testing.T) {
	rt := newRuntime(config.AgentConfig{}, provider.NewMock("mock"))
	if _, err := rt.Run(context.Background(), "ghost", "task", nil); fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("kind = %s, want validation", fault.KindOf(err))
	}
}

func TestJSONParseFailureIsRepairedByReprompt(t *testing.T) {
	mock := provider.NewMock("mock")
	mock.Reply = func(req *models.Request) string {
		if len(req.Messages) > 2 {
			return `{"status": "fixed"}`
		}
		return "this is not json"
	}
	rt := newRuntime(config.AgentConfig{ParseRetries: 2}, mock)
	rt.Register(models.AgentSpec{
		Name:         "extractor",
		SystemPrompt: "Reply with JSON only.",
		Parser:       "json",
		Provider:     "mock",
	})

	result, err := rt.Run(context.Background(), "extractor", "Extract the status.", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", result.Attempts)
	}
	out, ok := result.Output.(map[string]any)
	if !ok || out["status"] != "fixed" {
		t.Fatalf("output = %#v", result.Output)
	}

	// The repair turn carries the bad output and the parse error.
	reqs := mock.Requests()
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != models.RoleUser || !strings.Contains(last.Content, "could not be parsed") {
		t.Fatalf("repair message = %+v", last)
	}
}

func TestParseFailureExhaustsRetries(t *testing.T) {
	mock := provider.NewMock("mock")
	mock.Reply = func(*models.Request) string { return "never json" }
	rt := newRuntime(config.AgentConfig{ParseRetries: 1}, mock)
	rt.Register(models.AgentSpec{
		Name:         "extractor",
		SystemPrompt: "JSON only.",
		Parser:       "json",
		Provider:     "mock",
	})

	_, err := rt.Run(context.Background(), "extractor", "task", nil)
	if fault.KindOf(err) != fault.KindParse {
		t.Fatalf("kind = %s, want parse", fault.KindOf(err))
	}
	if calls := mock.Calls(); calls != 2 {
		t.Fatalf("provider called %d times, want initial + one repair", calls)
	}
}

func TestJSONParserToleratesMarkdownFence(t *testing.T) {
	mock := provider.NewMock("mock")
	mock.Reply = func(*models.Request) string {
		return "```json\n{\"value\": 42}\n```"
	}
	rt := newRuntime(config.AgentConfig{}, mock)
	rt.Register(models.AgentSpec{
		Name:         "fenced",
		SystemPrompt: "JSON only.",
		Parser:       "json",
		Provider:     "mock",
	})

	result, err := rt.Run(context.Background(), "fenced", "task", nil)
	if err != nil {
		t.Fatal(err)
	}
	out := result.Output.(map[string]any)
	if out["value"] != float64(42) {
		t.Fatalf("output = %#v", result.Output)
	}
}

func TestRunFallsBackToNextProvider(t *testing.T) {
	primary := provider.NewMock("primary")
	primary.Fail = func(int64) error {
		return fault.New(fault.KindRetryable, "primary down")
	}
	backup := provider.NewMock("backup")

	rt := newRuntime(config.AgentConfig{FallbackOrder: []string{"backup"}}, primary, backup)
	rt.Register(models.AgentSpec{
		Name:         "resilient",
		SystemPrompt: "Answer briefly.",
		Provider:     "primary",
	})

	result, err := rt.Run(context.Background(), "resilient", "task", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Provider != "backup" {
		t.Fatalf("served by %q, want backup", result.Provider)
	}
	if primary.Calls() == 0 {
		t.Fatal("primary should have been tried first")
	}
}

func TestRunDoesNotFallBackOnBudgetExhaustion(t *testing.T) {
	primary := provider.NewMock("primary")
	backup := provider.NewMock("backup")

	registry := provider.NewRegistry()
	registry.Register(primary)
	registry.Register(backup)
	exact := cache.NewExactTier(cache.NewMemoryKV(), config.ExactTierConfig{MaxEntries: 100})
	resultCache := cache.New(exact, nil, config.CacheConfig{Enabled: false})
	ctrl := budget.NewController(config.BudgetConfig{MaxTokens: 1, Window: time.Minute, OnExceed: config.ExceedReject}, 0)
	sched := scheduler.New(registry, resultCache, ctrl, events.NewBus(), config.SchedulerConfig{
		InitialBatchSize: 1, MaxBatchSize: 1,
	}, config.RetryConfig{MaxAttempts: 1})
	rt := agent.NewRuntime(registry, sched, config.AgentConfig{FallbackOrder: []string{"backup"}})

	rt.Register(models.AgentSpec{Name: "capped", SystemPrompt: "x", Provider: "primary"})

	_, err := rt.Run(context.Background(), "capped", "task", nil)
	if fault.KindOf(err) != fault.KindBudgetExceeded {
		t.Fatalf("kind = %s, want budget_exceeded", fault.KindOf(err))
	}
	if backup.Calls() != 0 {
		t.Fatal("budget exhaustion must not burn the fallback provider")
	}
}
