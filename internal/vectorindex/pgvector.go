package vectorindex

import (
	"context"
	"fmt"
	"strings"

	"github.com/crucible-ai/crucible/pkg/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Pgvector is a vector index backed by PostgreSQL with the pgvector
// extension. Users provide their own instance with pgvector installed.
type Pgvector struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPgvector creates a pgvector-backed index, creating the table and
// extension if needed.
func NewPgvector(ctx context.Context, connURL string, dimensions int) (*Pgvector, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	idx := &Pgvector{pool: pool, dimensions: dimensions}
	if err := idx.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}

	log.Info().Int("dims", dimensions).Msg("pgvector index initialized")
	return idx, nil
}

func (s *Pgvector) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS crucible_vectors (
			id         TEXT NOT NULL,
			partition  TEXT NOT NULL,
			metadata   JSONB NOT NULL DEFAULT '{}',
			vector     vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (partition, id)
		);

		CREATE INDEX IF NOT EXISTS idx_crucible_vectors_partition ON crucible_vectors (partition);
	`, s.dimensions)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *Pgvector) Upsert(ctx context.Context, id string, vector []float64, partition string, metadata map[string]string) error {
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO crucible_vectors (id, partition, metadata, vector)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (partition, id) DO UPDATE SET
			metadata = EXCLUDED.metadata,
			vector = EXCLUDED.vector,
			created_at = NOW()`,
		id, partition, metadata, pgvectorArray(vector))
	if err != nil {
		return fmt.Errorf("pgvector upsert: %w", err)
	}
	return nil
}

func (s *Pgvector) Query(ctx context.Context, vector []float64, k int, partition string) ([]models.VectorMatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, metadata, 1 - (vector <=> $1) AS score
		FROM crucible_vectors
		WHERE partition = $2
		ORDER BY vector <=> $1, created_at DESC
		LIMIT $3`,
		pgvectorArray(vector), partition, k)
	if err != nil {
		return nil, fmt.Errorf("pgvector query: %w", err)
	}
	defer rows.Close()

	var out []models.VectorMatch
	for rows.Next() {
		var m models.VectorMatch
		if err := rows.Scan(&m.ID, &m.Metadata, &m.Score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Pgvector) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM crucible_vectors WHERE id = $1", id)
	return err
}

// DeletePartition removes every vector whose partition starts with the
// given prefix. Empty prefix truncates the table.
func (s *Pgvector) DeletePartition(ctx context.Context, prefix string) error {
	if prefix == "" {
		_, err := s.pool.Exec(ctx, "TRUNCATE crucible_vectors")
		return err
	}
	_, err := s.pool.Exec(ctx, "DELETE FROM crucible_vectors WHERE partition LIKE $1 || '%'", prefix)
	return err
}

// Close releases the connection pool.
func (s *Pgvector) Close() {
	s.pool.Close()
}

// pgvectorArray converts a float64 slice to pgvector's text format:
// [1.0,2.0,3.0]
func pgvectorArray(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')
	return sb.String()
}
