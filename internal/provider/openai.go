package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/crucible-ai/crucible/internal/fingerprint"
	"github.com/crucible-ai/crucible/pkg/models"
)

// OpenAI implements the provider contract over the OpenAI API.
type OpenAI struct {
	apiKey   string
	endpoint string // defaults to https://api.openai.com/v1
	client   *http.Client
}

// OpenAIOption configures the OpenAI adapter.
type OpenAIOption func(*OpenAI)

// WithOpenAIEndpoint sets a custom API base URL (e.g. for proxies).
func WithOpenAIEndpoint(endpoint string) OpenAIOption {
	return func(p *OpenAI) { p.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithOpenAIClient sets a custom HTTP client.
func WithOpenAIClient(c *http.Client) OpenAIOption {
	return func(p *OpenAI) { p.client = c }
}

// NewOpenAI creates an OpenAI adapter.
func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAI {
	p := &OpenAI{
		apiKey:   apiKey,
		endpoint: "https://api.openai.com/v1",
		client:   &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAI) ID() string { return "openai" }

// Descriptor declares the supported models and cost table. Prices are
// USD per 1K tokens.
func (p *OpenAI) Descriptor() models.ProviderDescriptor {
	return models.ProviderDescriptor{
		ID: "openai",
		Models: []models.ModelInfo{
			{Name: "gpt-4o", Family: "gpt-4o", MaxInputTokens: 128_000, InputCostPer1K: 0.0025, OutputCostPer1K: 0.01, SupportsStream: true},
			{Name: "gpt-4o-mini", Family: "gpt-4o", MaxInputTokens: 128_000, InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006, SupportsStream: true},
			{Name: "text-embedding-3-small", Family: "embedding", MaxInputTokens: 8191, EmbeddingDim: 1536, InputCostPer1K: 0.00002, SupportsBatch: true},
			{Name: "text-embedding-3-large", Family: "embedding", MaxInputTokens: 8191, EmbeddingDim: 3072, InputCostPer1K: 0.00013, SupportsBatch: true},
		},
	}
}

func (p *OpenAI) CountTokens(text string) int { return estimateTokens(text) }

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaChatRequest struct {
	Model         string           `json:"model"`
	Messages      []oaMessage      `json:"messages"`
	Temperature   float64          `json:"temperature,omitempty"`
	TopP          float64          `json:"top_p,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Stop          []string         `json:"stop,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *oaStreamOptions `json:"stream_options,omitempty"`
}

type oaStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      oaMessage `json:"message"`
		Delta        oaMessage `json:"delta"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *OpenAI) chatBody(req *models.Request, stream bool) ([]byte, error) {
	msgs := make([]oaMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = oaMessage{Role: string(m.Role), Content: m.Content}
	}
	body := oaChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Options.Temperature,
		TopP:        req.Options.TopP,
		MaxTokens:   req.Options.MaxOutputTokens,
		Stop:        req.Options.Stop,
		Stream:      stream,
	}
	if stream {
		// The final data frame then reports token usage; without it the
		// stream ends unaccounted.
		body.StreamOptions = &oaStreamOptions{IncludeUsage: true}
	}
	return json.Marshal(body)
}

// Complete performs a single-shot chat completion.
func (p *OpenAI) Complete(ctx context.Context, req *models.Request) (*models.Response, error) {
	body, err := p.chatBody(req, false)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport("openai", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport("openai", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("openai", resp.StatusCode, string(respBody))
	}

	var out oaChatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, classifyTransport("openai", fmt.Errorf("unmarshal response: %w", err))
	}
	if len(out.Choices) == 0 {
		return nil, classifyTransport("openai", fmt.Errorf("response has no choices"))
	}

	result := &models.Response{
		Content:      out.Choices[0].Message.Content,
		Provider:     "openai",
		Model:        out.Model,
		FinishReason: mapFinish(out.Choices[0].FinishReason),
		ResponseID:   out.ID,
	}
	if out.Usage != nil {
		result.Usage = models.Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		}
	}
	result.CostUSD = p.Descriptor().Cost(req.Model, result.Usage)
	return result, nil
}

// CompleteBatch loops Complete: the chat API has no server-side batch.
func (p *OpenAI) CompleteBatch(ctx context.Context, reqs []*models.Request) ([]*models.Response, error) {
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

// Stream performs a streaming chat completion over SSE.
func (p *OpenAI) Stream(ctx context.Context, req *models.Request) (<-chan models.StreamChunk, error) {
	body, err := p.chatBody(req, true)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport("openai", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, classifyStatus("openai", resp.StatusCode, string(respBody))
	}

	ch := make(chan models.StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		finish := models.FinishStop
		var usage *models.Usage
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				break
			}
			var chunk oaChatResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if chunk.Usage != nil {
				// The usage frame has no choices.
				usage = &models.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.FinishReason != "" {
				finish = mapFinish(c.FinishReason)
			}
			if c.Delta.Content != "" {
				select {
				case ch <- models.StreamChunk{Delta: c.Delta.Content}:
				case <-ctx.Done():
					ch <- models.StreamChunk{Err: ctx.Err()}
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- models.StreamChunk{Err: classifyTransport("openai", err)}
			return
		}
		ch <- models.StreamChunk{FinishReason: finish, Usage: usage}
	}()
	return ch, nil
}

type oaEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type oaEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed generates vector embeddings for a batch of texts.
func (p *OpenAI) Embed(ctx context.Context, model string, texts []string) ([]models.Embedding, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(oaEmbedRequest{Input: texts, Model: model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport("openai", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport("openai", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("openai", resp.StatusCode, string(respBody))
	}

	var out oaEmbedResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, classifyTransport("openai", fmt.Errorf("unmarshal response: %w", err))
	}

	// Reorder by index.
	result := make([]models.Embedding, len(texts))
	for _, d := range out.Data {
		if d.Index >= len(result) {
			continue
		}
		result[d.Index] = models.Embedding{
			Vector:   d.Embedding,
			Norm:     l2norm(d.Embedding),
			TextHash: fingerprint.OfText(texts[d.Index]),
			Model:    model,
		}
	}
	return result, nil
}

func mapFinish(reason string) models.FinishReason {
	switch reason {
	case "stop", "end_turn":
		return models.FinishStop
	case "length", "max_tokens":
		return models.FinishLength
	case "content_filter":
		return models.FinishFilter
	default:
		return models.FinishStop
	}
}

func l2norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}
