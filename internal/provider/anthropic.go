package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/crucible-ai/crucible/internal/fault"
	"github.com/crucible-ai/crucible/pkg/models"
)

const anthropicVersion = "2023-06-01"

// Anthropic implements the provider contract over the Anthropic
// Messages API. Anthropic has no embeddings endpoint; Embed returns
// NonRetryable.
type Anthropic struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// AnthropicOption configures the Anthropic adapter.
type AnthropicOption func(*Anthropic)

// WithAnthropicEndpoint sets a custom API base URL.
func WithAnthropicEndpoint(endpoint string) AnthropicOption {
	return func(p *Anthropic) { p.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithAnthropicClient sets a custom HTTP client.
func WithAnthropicClient(c *http.Client) AnthropicOption {
	return func(p *Anthropic) { p.client = c }
}

// NewAnthropic creates an Anthropic adapter.
func NewAnthropic(apiKey string, opts ...AnthropicOption) *Anthropic {
	p := &Anthropic{
		apiKey:   apiKey,
		endpoint: "https://api.anthropic.com/v1",
		client:   &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Anthropic) ID() string { return "anthropic" }

// Descriptor declares the supported models and cost table.
func (p *Anthropic) Descriptor() models.ProviderDescriptor {
	return models.ProviderDescriptor{
		ID: "anthropic",
		Models: []models.ModelInfo{
			{Name: "claude-sonnet-4-20250514", Family: "claude-sonnet", MaxInputTokens: 200_000, InputCostPer1K: 0.003, OutputCostPer1K: 0.015, SupportsStream: true},
			{Name: "claude-3-5-haiku-20241022", Family: "claude-haiku", MaxInputTokens: 200_000, InputCostPer1K: 0.0008, OutputCostPer1K: 0.004, SupportsStream: true},
		},
	}
}

func (p *Anthropic) CountTokens(text string) int { return estimateTokens(text) }

type anthMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []anthMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	StopSeqs    []string      `json:"stop_sequences,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type anthResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Anthropic) body(req *models.Request, stream bool) ([]byte, error) {
	// The Messages API takes the system prompt as a top-level field.
	system := ""
	var msgs []anthMessage
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			system = m.Content
			continue
		}
		msgs = append(msgs, anthMessage{Role: string(m.Role), Content: m.Content})
	}
	maxTokens := req.Options.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = 4096 // the API requires max_tokens
	}
	return json.Marshal(anthRequest{
		Model:       req.Model,
		System:      system,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: req.Options.Temperature,
		TopP:        req.Options.TopP,
		StopSeqs:    req.Options.Stop,
		Stream:      stream,
	})
}

func (p *Anthropic) do(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport("anthropic", err)
	}
	return resp, nil
}

// Complete performs a single-shot message completion.
func (p *Anthropic) Complete(ctx context.Context, req *models.Request) (*models.Response, error) {
	body, err := p.body(req, false)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := p.do(ctx, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport("anthropic", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("anthropic", resp.StatusCode, string(respBody))
	}

	var out anthResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, classifyTransport("anthropic", fmt.Errorf("unmarshal response: %w", err))
	}

	content := ""
	for _, c := range out.Content {
		if c.Type == "text" {
			content += c.Text
		}
	}
	usage := models.Usage{
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
		TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
	}
	return &models.Response{
		Content:      content,
		Provider:     "anthropic",
		Model:        out.Model,
		Usage:        usage,
		CostUSD:      p.Descriptor().Cost(req.Model, usage),
		FinishReason: mapFinish(out.StopReason),
		ResponseID:   out.ID,
	}, nil
}

// CompleteBatch loops Complete.
func (p *Anthropic) CompleteBatch(ctx context.Context, reqs []*models.Request) ([]*models.Response, error) {
	out := make([]*models.Response, len(reqs))
	for i, req := range reqs {
		resp, err := p.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		out[i] = resp
	}
	return out, nil
}

type anthStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	// message_start carries input tokens; message_delta carries the
	// cumulative output token count.
	Message struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Stream performs a streaming completion over SSE.
func (p *Anthropic) Stream(ctx context.Context, req *models.Request) (<-chan models.StreamChunk, error) {
	body, err := p.body(req, true)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := p.do(ctx, body, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, classifyStatus("anthropic", resp.StatusCode, string(respBody))
	}

	ch := make(chan models.StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		finish := models.FinishStop
		var usage models.Usage
		terminal := func() models.StreamChunk {
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			return models.StreamChunk{FinishReason: finish, Usage: &usage}
		}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var ev anthStreamEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "message_start":
				usage.PromptTokens = ev.Message.Usage.InputTokens
				usage.CompletionTokens = ev.Message.Usage.OutputTokens
			case "content_block_delta":
				if ev.Delta.Text != "" {
					select {
					case ch <- models.StreamChunk{Delta: ev.Delta.Text}:
					case <-ctx.Done():
						ch <- models.StreamChunk{Err: ctx.Err()}
						return
					}
				}
			case "message_delta":
				if ev.Delta.StopReason != "" {
					finish = mapFinish(ev.Delta.StopReason)
				}
				if ev.Usage.OutputTokens > 0 {
					usage.CompletionTokens = ev.Usage.OutputTokens
				}
			case "message_stop":
				ch <- terminal()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- models.StreamChunk{Err: classifyTransport("anthropic", err)}
			return
		}
		ch <- terminal()
	}()
	return ch, nil
}

// Embed is unsupported: Anthropic has no embeddings API.
func (p *Anthropic) Embed(ctx context.Context, model string, texts []string) ([]models.Embedding, error) {
	return nil, fault.New(fault.KindNonRetryable, "anthropic does not provide an embeddings API").WithProvider("anthropic")
}
