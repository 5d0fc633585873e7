// Package server is the public composition root: it wires providers,
// cache tiers, the budget controller, the scheduler, and the agent and
// team layers into a ready HTTP handler.
//
// Usage:
//
//	srv, err := server.New(ctx, "crucible.yaml")
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/crucible-ai/crucible/internal/agent"
	"github.com/crucible-ai/crucible/internal/api"
	"github.com/crucible-ai/crucible/internal/api/handlers"
	"github.com/crucible-ai/crucible/internal/budget"
	"github.com/crucible-ai/crucible/internal/cache"
	"github.com/crucible-ai/crucible/internal/config"
	"github.com/crucible-ai/crucible/internal/conversation"
	"github.com/crucible-ai/crucible/internal/embedding"
	"github.com/crucible-ai/crucible/internal/events"
	"github.com/crucible-ai/crucible/internal/provider"
	"github.com/crucible-ai/crucible/internal/scheduler"
	"github.com/crucible-ai/crucible/internal/team"
	"github.com/crucible-ai/crucible/internal/telemetry"
	"github.com/crucible-ai/crucible/internal/vectorindex"
	"github.com/crucible-ai/crucible/pkg/contracts"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Server holds the initialized Crucible core.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Scheduler is exposed for embedding Crucible as a library.
	Scheduler *scheduler.Scheduler

	// Agents and Teams allow programmatic registration.
	Agents *agent.Runtime
	Teams  *team.Orchestrator

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown: it stops the
	// config watcher, drains services, and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from the config file at path (empty
// path uses defaults plus environment overrides).
func New(ctx context.Context, configPath string) (*Server, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg, configPath)
}

// NewWithConfig initializes the core with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config, configPath string) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	bus := events.NewBus()
	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)
	stopMetrics := metrics.Consume(bus)
	log.Info().Msg("✅ Event bus and metrics initialized")

	registry := provider.NewRegistry()
	if err := registerProviders(registry, cfg); err != nil {
		return nil, err
	}

	// Embedding service: the first configured provider that serves the
	// configured embedding model.
	var embedder *embedding.Service
	embedModel := cfg.Cache.VectorTier.EmbeddingModel
	embedDim := 0
	for _, id := range registry.List() {
		prov, _ := registry.Get(id)
		if info, ok := prov.Descriptor().Model(embedModel); ok && info.EmbeddingDim > 0 {
			embedder = embedding.NewService(prov, embedModel, cfg.Embedding)
			embedDim = info.EmbeddingDim
			log.Info().Str("provider", id).Str("model", embedModel).Msg("✅ Embedding service initialized")
			break
		}
	}
	if embedder == nil {
		log.Warn().Str("model", embedModel).Msg("No provider serves the embedding model; vector cache tier disabled")
	}

	resultCache, closeCache, err := buildCache(ctx, cfg, embedder, embedDim)
	if err != nil {
		return nil, err
	}

	ctrl := budget.NewController(cfg.Budget, cfg.Scheduler.MaxConcurrentPerProvider)
	sched := scheduler.New(registry, resultCache, ctrl, bus, cfg.Scheduler, cfg.Retry)
	log.Info().Msg("✅ Scheduler initialized")

	convStore, closeConvs, err := buildConversations(ctx, cfg)
	if err != nil {
		return nil, err
	}

	agents := agent.NewRuntime(registry, sched, cfg.Agent)
	teams := team.NewOrchestrator(agents, cfg.Team)
	log.Info().Msg("✅ Agent runtime and team orchestrator initialized")

	stopWatch := func() {}
	if configPath != "" {
		stop, err := config.Watch(configPath, func(t config.Tunables) {
			sched.SetTunables(t.Scheduler, t.Retry)
			ctrl.SetConfig(t.Budget)
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config hot reload unavailable")
		} else {
			stopWatch = stop
		}
	}

	h := &handlers.Handlers{
		Scheduler:       sched,
		Agents:          agents,
		Teams:           teams,
		Conversations:   convStore,
		Cache:           resultCache,
		Budget:          ctrl,
		Providers:       registry,
		Embeddings:      embedder,
		DefaultProvider: cfg.DefaultProvider,
		DefaultModel:    cfg.DefaultModel,
	}
	router := api.NewRouter(h, promReg)

	return &Server{
		Handler:   router,
		Scheduler: sched,
		Agents:    agents,
		Teams:     teams,
		Port:      cfg.Port,
		ShutdownFunc: func(shutdownCtx context.Context) error {
			stopWatch()
			if embedder != nil {
				embedder.Close()
			}
			stopMetrics()
			closeCache()
			closeConvs()
			return telemetryShutdown(shutdownCtx)
		},
	}, nil
}

// registerProviders builds adapters from configured credentials.
func registerProviders(registry *provider.Registry, cfg *config.Config) error {
	for _, creds := range cfg.Providers {
		switch creds.ID {
		case "openai":
			var opts []provider.OpenAIOption
			if creds.Endpoint != "" {
				opts = append(opts, provider.WithOpenAIEndpoint(creds.Endpoint))
			}
			registry.Register(provider.NewOpenAI(creds.APIKey, opts...))
		case "anthropic":
			var opts []provider.AnthropicOption
			if creds.Endpoint != "" {
				opts = append(opts, provider.WithAnthropicEndpoint(creds.Endpoint))
			}
			registry.Register(provider.NewAnthropic(creds.APIKey, opts...))
		case "ollama":
			var opts []provider.OllamaOption
			if creds.Endpoint != "" {
				opts = append(opts, provider.WithOllamaEndpoint(creds.Endpoint))
			}
			registry.Register(provider.NewOllama(opts...))
		case "mock":
			// Offline development and smoke tests.
			registry.Register(provider.NewMock("mock"))
		default:
			return fmt.Errorf("unknown provider %q in config", creds.ID)
		}
	}
	if len(registry.List()) == 0 {
		log.Warn().Msg("No providers configured")
	}
	return nil
}

// buildCache assembles the two-tier cache from the configured
// backends: Redis or in-process memory for the exact tier, pgvector or
// the built-in index for the vector tier.
func buildCache(ctx context.Context, cfg *config.Config, embedder *embedding.Service, embedDim int) (*cache.Cache, func(), error) {
	closers := []func(){}

	var kv contracts.KVStore
	if cfg.RedisURL != "" {
		redisKV, err := cache.NewRedisKV(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { redisKV.Close() })
		kv = redisKV
	} else {
		kv = cache.NewMemoryKV()
	}
	exact := cache.NewExactTier(kv, cfg.Cache.ExactTier)

	var vector *cache.VectorTier
	if cfg.Cache.VectorTier.Enabled && embedder != nil {
		var index contracts.VectorIndex
		if cfg.PostgresURL != "" {
			pg, err := vectorindex.NewPgvector(ctx, cfg.PostgresURL, embedDim)
			if err != nil {
				return nil, nil, err
			}
			closers = append(closers, pg.Close)
			index = pg
		} else {
			index = vectorindex.NewMemory()
		}
		vector = cache.NewVectorTier(index, embedder, cfg.Cache.VectorTier)
		log.Info().Float64("floor", cfg.Cache.VectorTier.SimilarityFloor).Msg("✅ Vector cache tier initialized")
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return cache.New(exact, vector, cfg.Cache), closeAll, nil
}

// buildConversations assembles the conversation store, durable when
// Postgres is configured.
func buildConversations(ctx context.Context, cfg *config.Config) (*conversation.Store, func(), error) {
	if cfg.PostgresURL == "" {
		return conversation.NewStore(), func() {}, nil
	}
	pg, err := conversation.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	return conversation.NewStore(conversation.WithPersistence(pg)), pg.Close, nil
}
