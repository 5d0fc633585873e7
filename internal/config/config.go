// Package config holds the explicit per-component configuration structs
// and their loading order: built-in defaults, then an optional YAML file,
// then environment variable overrides. There is a single composition
// root; nothing in this package is process-global.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full configuration tree for the orchestration core.
type Config struct {
	Port      int             `yaml:"port"`
	Providers []ProviderCreds `yaml:"providers"`

	DefaultProvider string `yaml:"default_provider"`
	DefaultModel    string `yaml:"default_model"`

	Cache     CacheConfig     `yaml:"cache"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retry     RetryConfig     `yaml:"retry"`
	Budget    BudgetConfig    `yaml:"budget"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Agent     AgentConfig     `yaml:"agent"`
	Team      TeamConfig      `yaml:"team"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// RedisURL, when set, backs the exact cache tier with Redis.
	RedisURL string `yaml:"redis_url"`
	// PostgresURL, when set, enables the pgvector index and durable
	// conversations.
	PostgresURL string `yaml:"postgres_url"`
}

// ProviderCreds configures one provider adapter.
type ProviderCreds struct {
	ID       string `yaml:"id"`   // "openai", "anthropic", "ollama", "mock"
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"` // optional override
}

type ExactTierConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	MaxBytes   int64         `yaml:"max_bytes"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

type VectorTierConfig struct {
	Enabled         bool    `yaml:"enabled"`
	SimilarityFloor float64 `yaml:"similarity_floor"`
	// MaxTemperature disables the vector tier for requests sampled
	// hotter than this; near-deterministic output is the only output
	// safe to serve from a similar-but-not-identical prompt.
	MaxTemperature float64 `yaml:"max_temperature"`
	EmbeddingModel string  `yaml:"embedding_model"`
}

type CacheConfig struct {
	Enabled    bool             `yaml:"enabled"`
	ExactTier  ExactTierConfig  `yaml:"exact_tier"`
	VectorTier VectorTierConfig `yaml:"vector_tier"`
}

type SchedulerConfig struct {
	MaxConcurrentPerProvider int           `yaml:"max_concurrent_per_provider"`
	BatchWindow              time.Duration `yaml:"batch_window"`
	InitialBatchSize         int           `yaml:"initial_batch_size"`
	MaxBatchSize             int           `yaml:"max_batch_size"`
	TargetLatency            time.Duration `yaml:"target_latency"`
	// StreamChunkSize is the rune count of synthesized partials when a
	// streaming request hits the cache.
	StreamChunkSize int `yaml:"stream_chunk_size"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	JitterRatio float64       `yaml:"jitter_ratio"`
}

// OnExceed selects the budget admission policy when a ceiling is hit.
type OnExceed string

const (
	ExceedReject OnExceed = "reject"
	ExceedDelay  OnExceed = "delay"
)

type BudgetConfig struct {
	MaxCostUSD float64       `yaml:"max_cost_usd"`
	MaxTokens  int64         `yaml:"max_tokens"`
	Window     time.Duration `yaml:"window"`
	OnExceed   OnExceed      `yaml:"on_exceed"`
}

type EmbeddingCacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

type EmbeddingConfig struct {
	BatchSize   int                  `yaml:"batch_size"`
	BatchWindow time.Duration        `yaml:"batch_window"`
	Cache       EmbeddingCacheConfig `yaml:"cache"`
}

type AgentConfig struct {
	ParseRetries  int      `yaml:"parse_retries"`
	FallbackOrder []string `yaml:"provider_fallback_order"`
}

type TeamConfig struct {
	MaxParallelSteps int `yaml:"max_parallel_steps"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the built-in defaults, before any file or environment
// overrides.
func Default() *Config {
	return &Config{
		Port:            envInt("CRUCIBLE_PORT", 8080),
		DefaultProvider: envStr("CRUCIBLE_DEFAULT_PROVIDER", "openai"),
		DefaultModel:    envStr("CRUCIBLE_DEFAULT_MODEL", "gpt-4o-mini"),
		RedisURL:        envStr("CRUCIBLE_REDIS_URL", ""),
		PostgresURL:     envStr("CRUCIBLE_POSTGRES_URL", ""),
		Cache: CacheConfig{
			Enabled: true,
			ExactTier: ExactTierConfig{
				MaxEntries: 10_000,
				MaxBytes:   64 << 20,
				DefaultTTL: time.Hour,
			},
			VectorTier: VectorTierConfig{
				Enabled:         false,
				SimilarityFloor: 0.95,
				MaxTemperature:  0.3,
				EmbeddingModel:  "text-embedding-3-small",
			},
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentPerProvider: 8,
			BatchWindow:              25 * time.Millisecond,
			InitialBatchSize:         4,
			MaxBatchSize:             16,
			TargetLatency:            2 * time.Second,
			StreamChunkSize:          64,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseBackoff: 200 * time.Millisecond,
			MaxBackoff:  10 * time.Second,
			JitterRatio: 0.25,
		},
		Budget: BudgetConfig{
			MaxCostUSD: 0, // 0 = unlimited
			MaxTokens:  0,
			Window:     time.Hour,
			OnExceed:   ExceedReject,
		},
		Embedding: EmbeddingConfig{
			BatchSize:   64,
			BatchWindow: 20 * time.Millisecond,
			Cache: EmbeddingCacheConfig{
				MaxEntries: 50_000,
				DefaultTTL: 24 * time.Hour,
			},
		},
		Agent: AgentConfig{
			ParseRetries:  1,
			FallbackOrder: []string{"openai", "anthropic", "ollama"},
		},
		Team: TeamConfig{
			MaxParallelSteps: 4,
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "crucible"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
