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

	"github.com/crucible-ai/crucible/internal/fingerprint"
	"github.com/crucible-ai/crucible/pkg/models"
)

// Ollama implements the provider contract over a local Ollama server.
// Cost is zero; the model list is whatever the server has pulled, so the
// descriptor declares a permissive default set.
type Ollama struct {
	endpoint string
	client   *http.Client
}

// OllamaOption configures the Ollama adapter.
type OllamaOption func(*Ollama)

// WithOllamaEndpoint sets the server URL (default http://localhost:11434).
func WithOllamaEndpoint(endpoint string) OllamaOption {
	return func(p *Ollama) { p.endpoint = strings.TrimRight(endpoint, "/") }
}

// NewOllama creates an Ollama adapter.
func NewOllama(opts ...OllamaOption) *Ollama {
	p := &Ollama{
		endpoint: "http://localhost:11434",
		client:   &http.Client{Timeout: 300 * time.Second}, // local models are slow
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Ollama) ID() string { return "ollama" }

func (p *Ollama) Descriptor() models.ProviderDescriptor {
	return models.ProviderDescriptor{
		ID: "ollama",
		Models: []models.ModelInfo{
			{Name: "llama3.1", Family: "llama", MaxInputTokens: 128_000, SupportsStream: true},
			{Name: "nomic-embed-text", Family: "embedding", MaxInputTokens: 8192, EmbeddingDim: 768},
		},
	}
}

func (p *Ollama) CountTokens(text string) int { return estimateTokens(text) }

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []oaMessage     `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string    `json:"model"`
	Message oaMessage `json:"message"`
	Done    bool      `json:"done"`
	// Token counts, present on the final message.
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func (p *Ollama) chatBody(req *models.Request, stream bool) ([]byte, error) {
	msgs := make([]oaMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = oaMessage{Role: string(m.Role), Content: m.Content}
	}
	opts := map[string]any{}
	if req.Options.Temperature > 0 {
		opts["temperature"] = req.Options.Temperature
	}
	if req.Options.TopP > 0 {
		opts["top_p"] = req.Options.TopP
	}
	if req.Options.MaxOutputTokens > 0 {
		opts["num_predict"] = req.Options.MaxOutputTokens
	}
	if len(req.Options.Stop) > 0 {
		opts["stop"] = req.Options.Stop
	}
	return json.Marshal(ollamaChatRequest{Model: req.Model, Messages: msgs, Stream: stream, Options: opts})
}

// Complete performs a single-shot chat completion.
func (p *Ollama) Complete(ctx context.Context, req *models.Request) (*models.Response, error) {
	body, err := p.chatBody(req, false)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport("ollama", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport("ollama", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("ollama", resp.StatusCode, string(respBody))
	}

	var out ollamaChatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, classifyTransport("ollama", fmt.Errorf("unmarshal response: %w", err))
	}
	usage := models.Usage{
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
		TotalTokens:      out.PromptEvalCount + out.EvalCount,
	}
	return &models.Response{
		Content:      out.Message.Content,
		Provider:     "ollama",
		Model:        out.Model,
		Usage:        usage,
		FinishReason: models.FinishStop,
	}, nil
}

// CompleteBatch loops Complete.
func (p *Ollama) CompleteBatch(ctx context.Context, reqs []*models.Request) ([]*models.Response, error) {
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

// Stream performs a streaming completion. Ollama streams newline-
// delimited JSON rather than SSE.
func (p *Ollama) Stream(ctx context.Context, req *models.Request) (<-chan models.StreamChunk, error) {
	body, err := p.chatBody(req, true)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport("ollama", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, classifyStatus("ollama", resp.StatusCode, string(respBody))
	}

	ch := make(chan models.StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var out ollamaChatResponse
			if err := json.Unmarshal(scanner.Bytes(), &out); err != nil {
				continue
			}
			if out.Message.Content != "" {
				select {
				case ch <- models.StreamChunk{Delta: out.Message.Content}:
				case <-ctx.Done():
					ch <- models.StreamChunk{Err: ctx.Err()}
					return
				}
			}
			if out.Done {
				usage := &models.Usage{
					PromptTokens:     out.PromptEvalCount,
					CompletionTokens: out.EvalCount,
					TotalTokens:      out.PromptEvalCount + out.EvalCount,
				}
				ch <- models.StreamChunk{FinishReason: models.FinishStop, Usage: usage}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- models.StreamChunk{Err: classifyTransport("ollama", err)}
			return
		}
		ch <- models.StreamChunk{FinishReason: models.FinishStop}
	}()
	return ch, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates embeddings one text at a time; the API has no batch
// endpoint.
func (p *Ollama) Embed(ctx context.Context, model string, texts []string) ([]models.Embedding, error) {
	out := make([]models.Embedding, len(texts))
	for i, text := range texts {
		body, err := json.Marshal(ollamaEmbedRequest{Model: model, Prompt: text})
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return nil, classifyTransport("ollama", err)
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, classifyTransport("ollama", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, classifyStatus("ollama", resp.StatusCode, string(respBody))
		}
		var er ollamaEmbedResponse
		if err := json.Unmarshal(respBody, &er); err != nil {
			return nil, classifyTransport("ollama", fmt.Errorf("unmarshal response: %w", err))
		}
		out[i] = models.Embedding{
			Vector:   er.Embedding,
			Norm:     l2norm(er.Embedding),
			TextHash: fingerprint.OfText(text),
			Model:    model,
		}
	}
	return out, nil
}
