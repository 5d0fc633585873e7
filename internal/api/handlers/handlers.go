// Package handlers implements the HTTP handlers of the Crucible API:
// completions, embeddings, conversations, agents, teams, cache
// administration, and provider status.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/crucible-ai/crucible/internal/agent"
	"github.com/crucible-ai/crucible/internal/budget"
	"github.com/crucible-ai/crucible/internal/cache"
	"github.com/crucible-ai/crucible/internal/conversation"
	"github.com/crucible-ai/crucible/internal/embedding"
	"github.com/crucible-ai/crucible/internal/fault"
	"github.com/crucible-ai/crucible/internal/provider"
	"github.com/crucible-ai/crucible/internal/scheduler"
	"github.com/crucible-ai/crucible/internal/team"
	"github.com/crucible-ai/crucible/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Scheduler     *scheduler.Scheduler
	Agents        *agent.Runtime
	Teams         *team.Orchestrator
	Conversations *conversation.Store
	Cache         *cache.Cache
	Budget        *budget.Controller
	Providers     *provider.Registry
	Embeddings    *embedding.Service

	DefaultProvider string
	DefaultModel    string
}

// ══════════════════════════════════════════════════════════════
// ── Completions ──────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type completionRequest struct {
	models.Request
	ConversationID string `json:"conversation_id,omitempty"`
}

func (h *Handlers) CreateCompletion(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Provider == "" {
		req.Provider = h.DefaultProvider
	}
	if req.Model == "" {
		req.Model = h.DefaultModel
	}

	ctx := r.Context()

	// With a conversation, the stored history becomes the context
	// window and the submitted user messages are appended to the log.
	var userMsgs []models.Message
	if req.ConversationID != "" {
		userMsgs = req.Messages
		prov, err := h.Providers.Get(req.Provider)
		if err != nil {
			respondFault(w, fault.Wrap(fault.KindValidation, err, "unknown provider"))
			return
		}
		info, _ := prov.Descriptor().Model(req.Model)
		history, err := h.Conversations.Materialize(ctx, req.ConversationID, info.MaxInputTokens, prov.CountTokens)
		if err != nil {
			respondFault(w, err)
			return
		}
		req.Messages = append(history, userMsgs...)
	}

	if req.Stream {
		h.streamCompletion(w, r, &req, userMsgs)
		return
	}

	resp, err := h.Scheduler.Complete(ctx, &req.Request)
	if err != nil {
		respondFault(w, err)
		return
	}

	if req.ConversationID != "" {
		msgs := append(userMsgs, models.Message{Role: models.RoleAssistant, Content: resp.Content})
		if err := h.Conversations.Append(ctx, req.ConversationID, msgs...); err != nil {
			log.Warn().Err(err).Str("conversation", req.ConversationID).Msg("Failed to append completion to conversation")
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) streamCompletion(w http.ResponseWriter, r *http.Request, req *completionRequest, userMsgs []models.Message) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	chunks, err := h.Scheduler.Stream(r.Context(), &req.Request)
	if err != nil {
		respondFault(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var content []byte
	for chunk := range chunks {
		if chunk.Err != nil {
			payload, _ := json.Marshal(map[string]string{"error": chunk.Err.Error(), "kind": string(fault.KindOf(chunk.Err))})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			flusher.Flush()
			return
		}
		content = append(content, chunk.Delta...)
		payload, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	if req.ConversationID != "" {
		msgs := append(userMsgs, models.Message{Role: models.RoleAssistant, Content: string(content)})
		if err := h.Conversations.Append(r.Context(), req.ConversationID, msgs...); err != nil {
			log.Warn().Err(err).Str("conversation", req.ConversationID).Msg("Failed to append stream to conversation")
		}
	}
}

// ══════════════════════════════════════════════════════════════
// ── Embeddings ───────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type embeddingRequest struct {
	Texts []string `json:"texts"`
}

func (h *Handlers) CreateEmbeddings(w http.ResponseWriter, r *http.Request) {
	if h.Embeddings == nil {
		respondError(w, http.StatusNotImplemented, "No embedding provider configured")
		return
	}
	var req embeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Texts) == 0 {
		respondError(w, http.StatusBadRequest, "texts must be non-empty")
		return
	}

	vectors, err := h.Embeddings.EmbedBatch(r.Context(), req.Texts)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"embeddings": vectors})
}

// ══════════════════════════════════════════════════════════════
// ── Conversations ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type createConversationRequest struct {
	ID       string            `json:"id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *Handlers) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	conv, err := h.Conversations.Create(r.Context(), req.ID, req.Metadata)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"conversations": h.Conversations.List()})
}

func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.Conversations.Get(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

type appendMessagesRequest struct {
	Messages []models.Message `json:"messages"`
}

func (h *Handlers) AppendMessages(w http.ResponseWriter, r *http.Request) {
	var req appendMessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	id := chi.URLParam(r, "conversationID")
	if err := h.Conversations.Append(r.Context(), id, req.Messages...); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "appended"})
}

func (h *Handlers) GetMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Conversations.Messages(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *Handlers) ClearConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.Conversations.Clear(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handlers) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.Conversations.Delete(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		respondFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════
// ── Agents ───────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"agents": h.Agents.List()})
}

func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var spec models.AgentSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.Agents.Register(spec); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, spec)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Agents.Get(chi.URLParam(r, "agentName"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a.Spec)
}

func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	h.Agents.Delete(chi.URLParam(r, "agentName"))
	w.WriteHeader(http.StatusNoContent)
}

type runAgentRequest struct {
	Task   string         `json:"task"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

func (h *Handlers) RunAgent(w http.ResponseWriter, r *http.Request) {
	var req runAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	result, err := h.Agents.Run(r.Context(), chi.URLParam(r, "agentName"), req.Task, req.Inputs)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ══════════════════════════════════════════════════════════════
// ── Teams ────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListTeams(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"plans": h.Teams.List()})
}

func (h *Handlers) RegisterTeam(w http.ResponseWriter, r *http.Request) {
	var plan models.TeamPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.Teams.Register(plan); err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, plan)
}

func (h *Handlers) GetTeam(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Teams.Get(chi.URLParam(r, "planName"))
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func (h *Handlers) DeleteTeam(w http.ResponseWriter, r *http.Request) {
	h.Teams.Delete(chi.URLParam(r, "planName"))
	w.WriteHeader(http.StatusNoContent)
}

type runTeamRequest struct {
	Inputs map[string]any `json:"inputs,omitempty"`
}

func (h *Handlers) RunTeam(w http.ResponseWriter, r *http.Request) {
	var req runTeamRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	result, err := h.Teams.Run(r.Context(), chi.URLParam(r, "planName"), req.Inputs)
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ══════════════════════════════════════════════════════════════
// ── Cache, budget, providers ─────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"exact": h.Cache.ExactStats()}
	if vs, ok := h.Cache.VectorTierStats(); ok {
		out["vector"] = vs
	}
	respondJSON(w, http.StatusOK, out)
}

type invalidateRequest struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	All         bool   `json:"all,omitempty"`
}

func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	switch {
	case req.All:
		h.Cache.InvalidateAll(r.Context())
	case req.Fingerprint != "":
		h.Cache.InvalidateFingerprint(r.Context(), req.Fingerprint)
	case req.Provider != "" && req.Model != "":
		h.Cache.InvalidateModel(r.Context(), req.Provider, req.Model)
	default:
		respondError(w, http.StatusBadRequest, "Specify fingerprint, provider+model, or all")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handlers) BudgetSnapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Budget.Snapshot())
}

type providerStatus struct {
	Descriptor models.ProviderDescriptor `json:"descriptor"`
	Circuit    string                    `json:"circuit"`
}

func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	out := make([]providerStatus, 0)
	for _, id := range h.Providers.List() {
		prov, err := h.Providers.Get(id)
		if err != nil {
			continue
		}
		status := providerStatus{Descriptor: prov.Descriptor()}
		if cb := h.Providers.Circuit(id); cb != nil {
			status.Circuit = cb.State().String()
		}
		out = append(out, status)
	}
	respondJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (h *Handlers) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	results := h.Providers.HealthCheckAll(r.Context())
	healthy := true
	report := make(map[string]string, len(results))
	for id, err := range results {
		if err != nil {
			healthy = false
			report[id] = err.Error()
		} else {
			report[id] = "ok"
		}
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{"healthy": healthy, "providers": report, "checked_at": time.Now().UTC()})
}

// ══════════════════════════════════════════════════════════════
// ── Response helpers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondFault maps the fault taxonomy onto HTTP status codes.
func respondFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindValidation:
		status = http.StatusBadRequest
	case fault.KindBudgetExceeded:
		status = http.StatusTooManyRequests
	case fault.KindDeadlineExceeded:
		status = http.StatusGatewayTimeout
	case fault.KindCancelled:
		status = 499 // client closed request
	case fault.KindParse:
		status = http.StatusUnprocessableEntity
	case fault.KindRetryable, fault.KindNonRetryable:
		status = http.StatusBadGateway
	}

	body := map[string]any{"error": err.Error(), "kind": string(fault.KindOf(err))}
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Attempts > 0 {
		body["attempts"] = fe.Attempts
	}
	respondJSON(w, status, body)
}
