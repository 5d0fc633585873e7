// Package agent turns named role specs into runnable agents: a system
// prompt template, an output contract, and a provider preference with
// fallback.
package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"text/template"

	"github.com/crucible-ai/crucible/internal/config"
	"github.com/crucible-ai/crucible/internal/fault"
	"github.com/crucible-ai/crucible/internal/provider"
	"github.com/crucible-ai/crucible/internal/scheduler"
	"github.com/crucible-ai/crucible/pkg/models"
	"github.com/rs/zerolog/log"
)

// Parser validates and converts an agent's raw completion into its
// declared output shape.
type Parser func(raw string) (any, error)

// ParseText trims the completion and returns it as-is.
func ParseText(raw string) (any, error) {
	return strings.TrimSpace(raw), nil
}

// ParseJSON decodes the completion as a JSON document, tolerating a
// surrounding markdown fence.
func ParseJSON(raw string) (any, error) {
	cleaned := stripFence(raw)
	var out any
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, fault.Wrap(fault.KindParse, err, "output is not valid JSON")
	}
	return out, nil
}

func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

var parsers = map[string]Parser{
	"text": ParseText,
	"json": ParseJSON,
}

// Agent is one registered spec with its compiled prompt template.
type Agent struct {
	Spec models.AgentSpec
	tmpl *template.Template
}

// Result is one successful agent run.
type Result struct {
	Output   any              `json:"output"`
	Raw      string           `json:"raw"`
	Response *models.Response `json:"response"`
	Provider string           `json:"provider"`
	Attempts int              `json:"attempts"`
}

// Runtime holds registered agents and runs them through the scheduler.
type Runtime struct {
	registry *provider.Registry
	sched    *scheduler.Scheduler
	cfg      config.AgentConfig

	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRuntime creates an empty agent runtime.
func NewRuntime(registry *provider.Registry, sched *scheduler.Scheduler, cfg config.AgentConfig) *Runtime {
	return &Runtime{
		registry: registry,
		sched:    sched,
		cfg:      cfg,
		agents:   make(map[string]*Agent),
	}
}

// Register compiles and stores a spec. Re-registering a name replaces
// it. Unknown template variables fail at render time, not here;
// unknown parsers fail now.
func (r *Runtime) Register(spec models.AgentSpec) error {
	if spec.Name == "" {
		return fault.New(fault.KindValidation, "agent name is required")
	}
	if spec.Parser == "" {
		spec.Parser = "text"
	}
	if _, ok := parsers[spec.Parser]; !ok {
		return fault.Newf(fault.KindValidation, "unknown parser %q", spec.Parser)
	}

	tmpl, err := template.New(spec.Name).Option("missingkey=error").Parse(spec.SystemPrompt)
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "system prompt template")
	}

	r.mu.Lock()
	r.agents[spec.Name] = &Agent{Spec: spec, tmpl: tmpl}
	r.mu.Unlock()
	log.Info().Str("agent", spec.Name).Str("parser", spec.Parser).Msg("🤖 Agent registered")
	return nil
}

// Get returns a registered agent.
func (r *Runtime) Get(name string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, fault.Newf(fault.KindValidation, "agent %q not registered", name)
	}
	return a, nil
}

// List returns all registered specs.
func (r *Runtime) List() []models.AgentSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.AgentSpec, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Spec)
	}
	return out
}

// Delete removes an agent.
func (r *Runtime) Delete(name string) {
	r.mu.Lock()
	delete(r.agents, name)
	r.mu.Unlock()
}

// Run renders the agent's prompt with inputs, completes the task, and
// parses the output. Parse failures are repaired by re-prompting up to
// the configured retry count; provider failures fall through the
// fallback order, skipping providers whose circuit is open.
func (r *Runtime) Run(ctx context.Context, name, task string, inputs map[string]any) (*Result, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	if err := a.tmpl.Execute(&sb, inputs); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "render system prompt")
	}
	system := sb.String()
	parse := parsers[a.Spec.Parser]

	var lastErr error
	for _, provID := range r.candidates(a.Spec.Provider) {
		result, err := r.runOn(ctx, a, provID, system, task, parse)
		if err == nil {
			return result, nil
		}
		lastErr = err
		switch fault.KindOf(err) {
		case fault.KindCancelled, fault.KindDeadlineExceeded, fault.KindValidation, fault.KindBudgetExceeded:
			return nil, err
		}
		log.Warn().Err(err).Str("agent", name).Str("provider", provID).Msg("Agent provider failed, trying fallback")
	}
	if lastErr == nil {
		lastErr = fault.Newf(fault.KindFatal, "no provider available for agent %q", name)
	}
	return nil, lastErr
}

// runOn executes the agent against one provider, with parse-repair
// re-prompts.
func (r *Runtime) runOn(ctx context.Context, a *Agent, provID, system, task string, parse Parser) (*Result, error) {
	prov, err := r.registry.Get(provID)
	if err != nil {
		return nil, fault.Wrap(fault.KindNonRetryable, err, "resolve provider")
	}

	model := a.Spec.Model
	if _, ok := prov.Descriptor().Model(model); !ok {
		model = firstChatModel(prov.Descriptor())
		if model == "" {
			return nil, fault.Newf(fault.KindNonRetryable, "provider %s has no usable chat model", provID)
		}
	}

	msgs := []models.Message{
		{Role: models.RoleSystem, Content: system},
		{Role: models.RoleUser, Content: task},
	}

	maxParse := r.cfg.ParseRetries
	if maxParse < 0 {
		maxParse = 0
	}
	attempts := 0
	for {
		attempts++
		req := &models.Request{
			Messages: msgs,
			Provider: provID,
			Model:    model,
			Options:  a.Spec.Options,
			Metadata: map[string]string{"agent": a.Spec.Name},
		}
		resp, err := r.sched.Complete(ctx, req)
		if err != nil {
			return nil, err
		}

		output, perr := parse(resp.Content)
		if perr == nil {
			return &Result{
				Output:   output,
				Raw:      resp.Content,
				Response: resp,
				Provider: provID,
				Attempts: attempts,
			}, nil
		}
		if attempts > maxParse {
			return nil, fault.Wrap(fault.KindParse, perr, "agent output unparseable after retries")
		}

		// Re-prompt with the bad output and the parse error so the
		// model can correct itself.
		log.Debug().Str("agent", a.Spec.Name).Int("attempt", attempts).Msg("Agent output failed to parse, re-prompting")
		msgs = append(msgs,
			models.Message{Role: models.RoleAssistant, Content: resp.Content},
			models.Message{Role: models.RoleUser, Content: "Your previous reply could not be parsed: " + perr.Error() + ". Reply again following the required output format exactly."},
		)
	}
}

// candidates is the provider preference: the spec's provider first,
// then the configured fallback order, deduplicated, keeping only
// providers that are registered with a closed circuit.
func (r *Runtime) candidates(preferred string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		if r.registry.Available(id) {
			out = append(out, id)
		}
	}
	add(preferred)
	for _, id := range r.cfg.FallbackOrder {
		add(id)
	}
	return out
}

// firstChatModel picks the provider's first non-embedding model.
func firstChatModel(d models.ProviderDescriptor) string {
	for _, m := range d.Models {
		if m.EmbeddingDim == 0 {
			return m.Name
		}
	}
	return ""
}
