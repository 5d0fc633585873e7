package api

import (
	"encoding/json"
	"net/http"

	"github.com/crucible-ai/crucible/internal/api/handlers"
	"github.com/crucible-ai/crucible/internal/api/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// NewRouter creates the HTTP router with all API routes.
func NewRouter(h *handlers.Handlers, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/completions", h.CreateCompletion)
		r.Post("/embeddings", h.CreateEmbeddings)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.ListConversations)
			r.Post("/", h.CreateConversation)
			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", h.GetConversation)
				r.Delete("/", h.DeleteConversation)
				r.Get("/messages", h.GetMessages)
				r.Post("/messages", h.AppendMessages)
				r.Post("/clear", h.ClearConversation)
			})
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.RegisterAgent)
			r.Route("/{agentName}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Delete("/", h.DeleteAgent)
				r.Post("/run", h.RunAgent)
			})
		})

		r.Route("/teams", func(r chi.Router) {
			r.Get("/", h.ListTeams)
			r.Post("/", h.RegisterTeam)
			r.Route("/{planName}", func(r chi.Router) {
				r.Get("/", h.GetTeam)
				r.Delete("/", h.DeleteTeam)
				r.Post("/run", h.RunTeam)
			})
		})

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", h.CacheStats)
			r.Post("/invalidate", h.InvalidateCache)
		})

		r.Get("/budget", h.BudgetSnapshot)

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", h.ListProviders)
			r.Get("/health", h.ProviderHealth)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "crucible",
	})
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"version": Version,
		"service": "crucible",
	})
}
