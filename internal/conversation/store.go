// Package conversation keeps append-only message logs, one per
// session. Appends never mutate or reorder history; Clear keeps the
// conversation but empties its log.
package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/crucible-ai/crucible/internal/fault"
	"github.com/crucible-ai/crucible/pkg/contracts"
	"github.com/crucible-ai/crucible/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type entry struct {
	mu   sync.Mutex
	conv *models.Conversation
}

// Store holds conversations in memory, with optional write-through
// persistence. Each conversation has its own lock so concurrent
// appends to one conversation serialize without blocking others.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	persist contracts.ConversationPersistence
}

// Option configures the store.
type Option func(*Store)

// WithPersistence enables write-through to a durable backend.
// Conversations absent from memory are loaded from it on first touch.
func WithPersistence(p contracts.ConversationPersistence) Option {
	return func(s *Store) { s.persist = p }
}

// NewStore creates an empty conversation store.
func NewStore(opts ...Option) *Store {
	s := &Store{entries: make(map[string]*entry)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create starts a new conversation and returns it. An empty id gets a
// generated UUID; creating an existing id is an error.
func (s *Store) Create(ctx context.Context, id string, metadata map[string]string) (*models.Conversation, error) {
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if _, exists := s.entries[id]; exists {
		s.mu.Unlock()
		return nil, fault.Newf(fault.KindValidation, "conversation %s already exists", id)
	}
	now := time.Now()
	conv := &models.Conversation{
		ID:           id,
		Metadata:     metadata,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.entries[id] = &entry{conv: conv}
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Save(ctx, conv); err != nil {
			log.Warn().Err(err).Str("conversation", id).Msg("Conversation persist failed on create")
		}
	}
	log.Debug().Str("conversation", id).Msg("Conversation created")
	return snapshot(conv), nil
}

// Append adds messages to the end of a conversation's log.
func (s *Store) Append(ctx context.Context, id string, msgs ...models.Message) error {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	now := time.Now()
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		e.conv.Messages = append(e.conv.Messages, m)
	}
	e.conv.LastActivity = now
	conv := snapshot(e.conv)
	e.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Save(ctx, conv); err != nil {
			log.Warn().Err(err).Str("conversation", id).Msg("Conversation persist failed on append")
		}
	}
	return nil
}

// Messages returns a copy of the full log in append order.
func (s *Store) Messages(ctx context.Context, id string) ([]models.Message, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Message, len(e.conv.Messages))
	copy(out, e.conv.Messages)
	return out, nil
}

// Get returns a copy of the conversation.
func (s *Store) Get(ctx context.Context, id string) (*models.Conversation, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.conv), nil
}

// Clear empties the log but keeps the conversation and its metadata.
func (s *Store) Clear(ctx context.Context, id string) error {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.conv.Messages = nil
	e.conv.LastActivity = time.Now()
	conv := snapshot(e.conv)
	e.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Save(ctx, conv); err != nil {
			log.Warn().Err(err).Str("conversation", id).Msg("Conversation persist failed on clear")
		}
	}
	return nil
}

// Delete removes the conversation entirely.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	_, exists := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Delete(ctx, id); err != nil {
			log.Warn().Err(err).Str("conversation", id).Msg("Conversation persist failed on delete")
		}
	} else if !exists {
		return fault.Newf(fault.KindValidation, "conversation %s not found", id)
	}
	return nil
}

// List returns the ids of all in-memory conversations.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

// Materialize builds the message window for a model call: the newest
// messages that fit tokenBudget, always keeping a leading system
// message if one exists. countTokens must be the target provider's
// estimator. A zero budget returns the full log.
func (s *Store) Materialize(ctx context.Context, id string, tokenBudget int, countTokens func(string) int) ([]models.Message, error) {
	msgs, err := s.Messages(ctx, id)
	if err != nil {
		return nil, err
	}
	if tokenBudget <= 0 || len(msgs) == 0 {
		return msgs, nil
	}

	var system *models.Message
	rest := msgs
	if msgs[0].Role == models.RoleSystem {
		system = &msgs[0]
		rest = msgs[1:]
		tokenBudget -= countTokens(system.Content)
	}

	// Walk backwards, taking the newest messages that fit.
	used := 0
	start := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		cost := countTokens(rest[i].Content)
		if used+cost > tokenBudget {
			break
		}
		used += cost
		start = i
	}

	out := make([]models.Message, 0, len(rest)-start+1)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, rest[start:]...)
	return out, nil
}

// lookup finds a conversation in memory, falling back to persistence.
func (s *Store) lookup(ctx context.Context, id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	if s.persist != nil {
		conv, err := s.persist.Load(ctx, id)
		if err == nil && conv != nil {
			s.mu.Lock()
			if existing, raced := s.entries[id]; raced {
				s.mu.Unlock()
				return existing, nil
			}
			e = &entry{conv: conv}
			s.entries[id] = e
			s.mu.Unlock()
			return e, nil
		}
	}
	return nil, fault.Newf(fault.KindValidation, "conversation %s not found", id)
}

func snapshot(conv *models.Conversation) *models.Conversation {
	out := *conv
	out.Messages = make([]models.Message, len(conv.Messages))
	copy(out.Messages, conv.Messages)
	return &out
}
