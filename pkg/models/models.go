// Package models defines the value types shared across the Crucible
// orchestration core: requests, responses, messages, cache entries,
// agent specs, team plans, and budgets.
//
// These types are plain data. Ownership rules: the scheduler owns
// in-flight Request/Response values until delivery, the cache owns its
// entries, the conversation store owns message logs. Agents and teams
// borrow responses and must not mutate them.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason is the terminal state of a completion.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishFilter FinishReason = "filter"
	FinishError  FinishReason = "error"
)

// Message is a single conversation turn. Immutable once appended to a
// conversation.
type Message struct {
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	ToolCall  json.RawMessage `json:"tool_call,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
}

// SamplingOptions are the generation parameters included in the request
// fingerprint.
type SamplingOptions struct {
	Temperature     float64  `json:"temperature"`
	TopP            float64  `json:"top_p"`
	MaxOutputTokens int      `json:"max_output_tokens"`
	Stop            []string `json:"stop,omitempty"`
}

// Request is the canonical internal representation of a prompt or chat
// request submitted to the scheduler.
type Request struct {
	ID       string          `json:"id"`
	Messages []Message       `json:"messages"`
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Options  SamplingOptions `json:"options"`
	Stream   bool            `json:"stream"`

	// Priority orders queued requests; higher runs first. Equal
	// priorities are FIFO by scheduler sequence id.
	Priority int `json:"priority"`

	// Deadline, if set, must be in the future at validation time.
	Deadline time.Time `json:"deadline,omitempty"`

	// IdempotencyKey defaults to the fingerprint when empty.
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// Sequence is assigned by the scheduler on submission.
	Sequence uint64 `json:"-"`
}

// Validate checks the Request invariants: non-empty messages, at most one
// system message and it appears first, temperature in [0,2], deadline in
// the future if set.
func (r *Request) Validate(now time.Time) error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("request has no messages")
	}
	for i, m := range r.Messages {
		if m.Role == RoleSystem && i != 0 {
			return fmt.Errorf("system message must be first (found at index %d)", i)
		}
	}
	if r.Options.Temperature < 0 || r.Options.Temperature > 2 {
		return fmt.Errorf("temperature %g out of range [0,2]", r.Options.Temperature)
	}
	if r.Options.TopP < 0 || r.Options.TopP > 1 {
		return fmt.Errorf("top_p %g out of range [0,1]", r.Options.TopP)
	}
	if r.Options.MaxOutputTokens < 0 {
		return fmt.Errorf("max_output_tokens must be non-negative")
	}
	if !r.Deadline.IsZero() && !r.Deadline.After(now) {
		return fmt.Errorf("deadline %s is not in the future", r.Deadline.Format(time.RFC3339))
	}
	return nil
}

// UserText returns the concatenated content of the user messages. Used as
// the canonical prompt for the vector cache tier.
func (r *Request) UserText() string {
	out := ""
	for _, m := range r.Messages {
		if m.Role != RoleUser {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += m.Content
	}
	return out
}

// Embeddable reports whether the request is a pure text prompt with no
// tool calls, and so eligible for the vector cache tier.
func (r *Request) Embeddable() bool {
	for _, m := range r.Messages {
		if len(m.ToolCall) > 0 || m.Role == RoleTool {
			return false
		}
	}
	return r.UserText() != ""
}

// Usage is the token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed request.
type Response struct {
	Content      string            `json:"content"`
	Provider     string            `json:"provider"`
	Model        string            `json:"model"`
	Usage        Usage             `json:"usage"`
	CostUSD      float64           `json:"cost_usd"`
	FinishReason FinishReason      `json:"finish_reason"`
	ResponseID   string            `json:"response_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// Cached is set when the response was served from the result cache;
	// CacheTier is "exact" or "vector".
	Cached    bool   `json:"cached,omitempty"`
	CacheTier string `json:"cache_tier,omitempty"`
}

// StreamChunk is one partial of a streaming completion. The terminal
// chunk carries a non-empty FinishReason (and Usage when known) or a
// non-nil Err; no further chunks follow it.
type StreamChunk struct {
	Delta        string       `json:"delta,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	Err          error        `json:"-"`
}

// Terminal reports whether this chunk ends the stream.
func (c StreamChunk) Terminal() bool {
	return c.FinishReason != "" || c.Err != nil
}

// Embedding is a fixed-dimension vector for one text.
type Embedding struct {
	Vector   []float64 `json:"vector"`
	Norm     float64   `json:"norm"`
	TextHash string    `json:"text_hash"`
	Model    string    `json:"model"`
}

// Dim returns the vector dimension.
func (e Embedding) Dim() int { return len(e.Vector) }

// CacheEntry is an exact-tier record: one fingerprint mapped to one
// response.
type CacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Response    Response  `json:"response"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	HitCount    int64     `json:"hit_count"`
}

// Expired reports whether the entry's TTL has lapsed at t. Entries with
// no ExpiresAt never expire.
func (e *CacheEntry) Expired(t time.Time) bool {
	return !e.ExpiresAt.IsZero() && !t.Before(e.ExpiresAt)
}

// Conversation is an append-only message log for one session.
type Conversation struct {
	ID           string            `json:"id"`
	Messages     []Message         `json:"messages"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
}

// AgentSpec binds a named role to a system prompt template and an output
// contract. Specs are immutable; agents built from them hold no state.
type AgentSpec struct {
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	SystemPrompt string   `json:"system_prompt"` // text/template source
	InputVars    []string `json:"input_vars,omitempty"`

	// Parser names the output contract: "text" (default) or "json".
	Parser string `json:"parser,omitempty"`

	// Provider/Model are the preferred backend; the runtime falls back
	// per the configured provider order when unavailable.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	Options SamplingOptions `json:"options"`
}

// TeamStep is one node of a team plan DAG.
type TeamStep struct {
	ID    string `json:"id"`
	Agent string `json:"agent"`

	// Inputs maps template variable names to expr programs evaluated
	// against upstream step outputs, e.g. {"draft": "steps.write.content"}.
	Inputs map[string]string `json:"inputs,omitempty"`

	// Task is the user prompt for the step.
	Task string `json:"task"`

	DependsOn []string `json:"depends_on,omitempty"`

	// OutputExpr, when set, post-processes the step's response into the
	// value visible to downstream steps (a pure expr program).
	OutputExpr string `json:"output_expr,omitempty"`

	// Optional steps fail soft: downstream sees a nil placeholder.
	Optional bool `json:"optional,omitempty"`
}

// TeamPlan is a directed acyclic graph of agent steps.
type TeamPlan struct {
	Name  string     `json:"name"`
	Steps []TeamStep `json:"steps"`
}

// StepStatus is the terminal state of one team step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records one step's outcome.
type StepResult struct {
	StepID     string     `json:"step_id"`
	Agent      string     `json:"agent"`
	Status     StepStatus `json:"status"`
	Response   *Response  `json:"response,omitempty"`
	Output     any        `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// TeamResult is the structured outcome of one plan execution, with every
// step reported in definition order.
type TeamResult struct {
	Plan       string       `json:"plan"`
	RunID      string       `json:"run_id"`
	Steps      []StepResult `json:"steps"`
	Failed     bool         `json:"failed"`
	FailedStep string       `json:"failed_step,omitempty"`
	DurationMs int64        `json:"duration_ms"`
}

// ModelInfo describes one model a provider serves.
type ModelInfo struct {
	Name            string  `json:"name"`
	Family          string  `json:"family"`
	MaxInputTokens  int     `json:"max_input_tokens"`
	EmbeddingDim    int     `json:"embedding_dim,omitempty"`
	InputCostPer1K  float64 `json:"input_cost_per_1k"`
	OutputCostPer1K float64 `json:"output_cost_per_1k"`
	SupportsBatch   bool    `json:"supports_batch"`
	SupportsStream  bool    `json:"supports_stream"`
}

// ProviderDescriptor is a provider's static declaration, registered at
// startup.
type ProviderDescriptor struct {
	ID     string      `json:"id"`
	Models []ModelInfo `json:"models"`
}

// Model looks up a model by name in the descriptor.
func (d ProviderDescriptor) Model(name string) (ModelInfo, bool) {
	for _, m := range d.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// Cost computes the USD cost of a completion against the descriptor's
// cost table. Unknown models cost zero.
func (d ProviderDescriptor) Cost(model string, u Usage) float64 {
	m, ok := d.Model(model)
	if !ok {
		return 0
	}
	return float64(u.PromptTokens)/1000*m.InputCostPer1K +
		float64(u.CompletionTokens)/1000*m.OutputCostPer1K
}

// VectorMatch is one ranked result from a vector index query.
type VectorMatch struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
