package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crucible-ai/crucible/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Postgres is durable conversation storage. Messages are stored as one
// JSONB document per conversation; the store's per-conversation lock
// serializes writers, so last-write-wins at this layer is safe.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and runs the schema migration.
func NewPostgres(ctx context.Context, connURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("conversation db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("conversation db ping: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS crucible_conversations (
			id            TEXT PRIMARY KEY,
			messages      JSONB NOT NULL DEFAULT '[]',
			metadata      JSONB NOT NULL DEFAULT '{}',
			created_at    TIMESTAMPTZ NOT NULL,
			last_activity TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("conversation db migrate: %w", err)
	}

	log.Info().Msg("Conversation persistence initialized")
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Load(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{ID: id}
	var msgs, meta []byte
	err := p.pool.QueryRow(ctx, `
		SELECT messages, metadata, created_at, last_activity
		FROM crucible_conversations WHERE id = $1`, id).
		Scan(&msgs, &meta, &conv.CreatedAt, &conv.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation load: %w", err)
	}
	if err := json.Unmarshal(msgs, &conv.Messages); err != nil {
		return nil, fmt.Errorf("conversation messages decode: %w", err)
	}
	if err := json.Unmarshal(meta, &conv.Metadata); err != nil {
		return nil, fmt.Errorf("conversation metadata decode: %w", err)
	}
	return conv, nil
}

func (p *Postgres) Save(ctx context.Context, conv *models.Conversation) error {
	msgs, err := json.Marshal(conv.Messages)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(conv.Metadata)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO crucible_conversations (id, messages, metadata, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			messages = EXCLUDED.messages,
			metadata = EXCLUDED.metadata,
			last_activity = EXCLUDED.last_activity`,
		conv.ID, msgs, meta, conv.CreatedAt, conv.LastActivity)
	if err != nil {
		return fmt.Errorf("conversation save: %w", err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, "DELETE FROM crucible_conversations WHERE id = $1", id)
	return err
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
