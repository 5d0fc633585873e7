package provider

import (
	"context"
	"crypto/sha256"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/crucible-ai/crucible/internal/fingerprint"
	"github.com/crucible-ai/crucible/pkg/models"
)

// Mock is a deterministic in-process provider for tests and local
// development. Completions echo the last user message unless a reply
// function is installed; embeddings are derived from the text hash so
// identical texts always produce identical vectors.
type Mock struct {
	id  string
	dim int

	// Reply, when set, computes the completion content.
	Reply func(req *models.Request) string

	// Fail, when set, is consulted before every completion; a non-nil
	// return is surfaced as the call's error. Used to script failures.
	Fail func(attempt int64) error

	calls atomic.Int64

	mu       sync.Mutex
	requests []*models.Request
}

// NewMock creates a mock provider with the given id.
func NewMock(id string) *Mock {
	if id == "" {
		id = "mock"
	}
	return &Mock{id: id, dim: 64}
}

func (p *Mock) ID() string { return p.id }

func (p *Mock) Descriptor() models.ProviderDescriptor {
	return models.ProviderDescriptor{
		ID: p.id,
		Models: []models.ModelInfo{
			{Name: "mock-chat", Family: "mock", MaxInputTokens: 32_000, InputCostPer1K: 0.001, OutputCostPer1K: 0.002, SupportsBatch: true, SupportsStream: true},
			{Name: "mock-embed", Family: "embedding", MaxInputTokens: 8192, EmbeddingDim: p.dim},
		},
	}
}

func (p *Mock) CountTokens(text string) int { return estimateTokens(text) }

// Calls returns how many completion calls (single or batch) were made.
func (p *Mock) Calls() int64 { return p.calls.Load() }

// Requests returns a copy of every request seen, in arrival order.
func (p *Mock) Requests() []*models.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *Mock) record(reqs ...*models.Request) {
	p.mu.Lock()
	p.requests = append(p.requests, reqs...)
	p.mu.Unlock()
}

func (p *Mock) reply(req *models.Request) string {
	if p.Reply != nil {
		return p.Reply(req)
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == models.RoleUser {
			return "echo: " + req.Messages[i].Content
		}
	}
	return "echo"
}

func (p *Mock) complete(req *models.Request) (*models.Response, error) {
	n := p.calls.Add(1)
	if p.Fail != nil {
		if err := p.Fail(n); err != nil {
			return nil, err
		}
	}
	content := p.reply(req)
	usage := models.Usage{
		PromptTokens:     promptTokens(req.Messages),
		CompletionTokens: estimateTokens(content),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return &models.Response{
		Content:      content,
		Provider:     p.id,
		Model:        req.Model,
		Usage:        usage,
		CostUSD:      p.Descriptor().Cost(req.Model, usage),
		FinishReason: models.FinishStop,
	}, nil
}

func (p *Mock) Complete(ctx context.Context, req *models.Request) (*models.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.record(req)
	return p.complete(req)
}

func (p *Mock) CompleteBatch(ctx context.Context, reqs []*models.Request) ([]*models.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.record(reqs...)
	out := make([]*models.Response, len(reqs))
	for i, req := range reqs {
		resp, err := p.complete(req)
		if err != nil {
			return nil, err
		}
		out[i] = resp
	}
	return out, nil
}

func (p *Mock) Stream(ctx context.Context, req *models.Request) (<-chan models.StreamChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.record(req)
	resp, err := p.complete(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan models.StreamChunk)
	go func() {
		defer close(ch)
		for _, word := range strings.SplitAfter(resp.Content, " ") {
			select {
			case ch <- models.StreamChunk{Delta: word}:
			case <-ctx.Done():
				ch <- models.StreamChunk{Err: ctx.Err()}
				return
			}
		}
		u := resp.Usage
		ch <- models.StreamChunk{FinishReason: models.FinishStop, Usage: &u}
	}()
	return ch, nil
}

// Embed derives a unit-norm vector from the text digest, so equal texts
// embed identically and similar texts do not.
func (p *Mock) Embed(ctx context.Context, model string, texts []string) ([]models.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Embedding, len(texts))
	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		vec := make([]float64, p.dim)
		for j := 0; j < p.dim; j++ {
			vec[j] = float64(sum[j%len(sum)]) - 127.5
		}
		norm := l2norm(vec)
		for j := range vec {
			vec[j] /= norm
		}
		out[i] = models.Embedding{
			Vector:   vec,
			Norm:     1,
			TextHash: fingerprint.OfText(text),
			Model:    model,
		}
	}
	return out, nil
}
