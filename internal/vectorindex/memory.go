// Package vectorindex provides the vector cache tier's index backends.
// Built-in: an in-memory brute-force cosine index. Optional: pgvector
// over a user-provided PostgreSQL.
package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crucible-ai/crucible/pkg/models"
)

// DefaultMaxVectors caps the in-memory index. Exceeding it fails the
// upsert; for larger workloads use pgvector.
const DefaultMaxVectors = 100_000

type memDoc struct {
	id        string
	partition string
	vector    []float64
	metadata  map[string]string
	createdAt time.Time
}

// Memory is a brute-force cosine similarity index, suitable for
// development and moderate cache sizes. Concurrent readers, single
// writer per operation.
type Memory struct {
	mu         sync.RWMutex
	docs       map[string]*memDoc // key: partition:id
	maxVectors int
}

// MemoryOption configures the in-memory index.
type MemoryOption func(*Memory)

// WithMaxVectors sets the vector cap.
func WithMaxVectors(max int) MemoryOption {
	return func(m *Memory) { m.maxVectors = max }
}

// NewMemory creates an in-memory vector index.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		docs:       make(map[string]*memDoc),
		maxVectors: DefaultMaxVectors,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func key(partition, id string) string { return partition + ":" + id }

func (m *Memory) Upsert(_ context.Context, id string, vector []float64, partition string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(partition, id)
	if _, exists := m.docs[k]; !exists && len(m.docs) >= m.maxVectors {
		return fmt.Errorf("vector index capacity exceeded: %d", m.maxVectors)
	}
	m.docs[k] = &memDoc{
		id:        id,
		partition: partition,
		vector:    vector,
		metadata:  metadata,
		createdAt: time.Now(),
	}
	return nil
}

func (m *Memory) Query(_ context.Context, vector []float64, k int, partition string) ([]models.VectorMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		doc   *memDoc
		score float64
	}
	var candidates []scored
	for _, d := range m.docs {
		if d.partition != partition || len(d.vector) != len(vector) {
			continue
		}
		candidates = append(candidates, scored{doc: d, score: CosineSimilarity(vector, d.vector)})
	}

	// Rank by score, recency breaking ties.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].doc.createdAt.After(candidates[j].doc.createdAt)
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]models.VectorMatch, k)
	for i := 0; i < k; i++ {
		out[i] = models.VectorMatch{
			ID:       candidates[i].doc.id,
			Score:    candidates[i].score,
			Metadata: candidates[i].doc.metadata,
		}
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, d := range m.docs {
		if d.id == id {
			delete(m.docs, k)
		}
	}
	return nil
}

// DeletePartition removes every vector whose partition starts with the
// given prefix. Empty prefix clears the index.
func (m *Memory) DeletePartition(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prefix == "" {
		m.docs = make(map[string]*memDoc)
		return nil
	}
	for k, d := range m.docs {
		if strings.HasPrefix(d.partition, prefix) {
			delete(m.docs, k)
		}
	}
	return nil
}

// Count returns the number of vectors in a partition, or all when
// partition is empty.
func (m *Memory) Count(partition string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if partition == "" {
		return len(m.docs)
	}
	n := 0
	for _, d := range m.docs {
		if d.partition == partition {
			n++
		}
	}
	return n
}

// CosineSimilarity computes the cosine of the angle between two vectors.
func CosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
