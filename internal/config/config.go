// Package config loads orchestration service settings.
// Precedence: defaults < YAML file < environment variables < CLI flags.
package config

import "time"

// Config holds all runtime configuration for the orchestration service.
type Config struct {
	Server       Server       `yaml:"server"`
	Postgres     Postgres     `yaml:"postgres"`
	NATS         NATS         `yaml:"nats"`
	LiteLLM      LiteLLM      `yaml:"litellm"`
	Logging      Logging      `yaml:"logging"`
	Breaker      Breaker      `yaml:"breaker"`
	Rate         Rate         `yaml:"rate"`
	OTEL         OTEL         `yaml:"otel"`
	MCP          MCP          `yaml:"mcp"`
	Cache        Cache        `yaml:"cache"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
}

// Orchestrator holds the engine configuration.
type Orchestrator struct {
	MaxConcurrentInvocations int           `yaml:"max_concurrent_invocations"` // System-wide cap on in-flight model calls (default: 32)
	DefaultRoleTimeout       time.Duration `yaml:"default_role_timeout"`       // Used when a role has no timeoutMs (default: 60s)
	OrchestrationTimeout     time.Duration `yaml:"orchestration_timeout"`      // Deadline for a whole orchestration (default: 5m)
	PolicyFile               string        `yaml:"policy_file"`                // YAML/JSON seed when no policy is persisted
	MetricsResetInterval     time.Duration `yaml:"metrics_reset_interval"`     // 0 = reset on demand only
	MetricsDedupeTTL         time.Duration `yaml:"metrics_dedupe_ttl"`         // How long recorded ids are remembered (default: 1h)
	ArchiveBuffer            int           `yaml:"archive_buffer"`             // Pending archive writes before dropping (default: 1024)
	SubscriberBuffer         int           `yaml:"subscriber_buffer"`          // Buffered policy-change events per subscriber (default: 16)
	PatternCacheSize         int64         `yaml:"pattern_cache_size"`         // Compiled routing patterns kept in memory (default: 1024)
}

// Server holds HTTP server configuration.
type Server struct {
	Port            string        `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Postgres holds PostgreSQL connection configuration. An empty DSN selects
// the in-memory policy repository and archive.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds NATS JetStream configuration. An empty URL disables policy
// change propagation between replicas and the L2 cache.
type NATS struct {
	URL string `yaml:"url"`
}

// LiteLLM holds LiteLLM proxy configuration.
type LiteLLM struct {
	URL       string `yaml:"url"`
	MasterKey string `yaml:"master_key"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker holds per-model circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Rate holds rate limiter configuration.
type Rate struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
}

// OTEL holds OpenTelemetry exporter configuration.
type OTEL struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MCP holds the MCP admin server configuration.
type MCP struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	APIKey  string `yaml:"api_key"`
}

// Cache holds the policy version cache configuration.
type Cache struct {
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	L1TTL       time.Duration `yaml:"l1_ttl"`
	L2Bucket    string        `yaml:"l2_bucket"`
	L2TTL       time.Duration `yaml:"l2_ttl"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:            "8080",
			CORSOrigin:      "http://localhost:3000",
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: Postgres{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		LiteLLM: LiteLLM{
			URL: "http://localhost:4000",
		},
		Logging: Logging{
			Level:   "info",
			Service: "orchestrator",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Rate: Rate{
			RequestsPerSecond: 10,
			Burst:             100,
			CleanupInterval:   5 * time.Minute,
			MaxIdleTime:       10 * time.Minute,
		},
		OTEL: OTEL{
			Endpoint:    "localhost:4317",
			ServiceName: "orchestrator",
			Insecure:    true,
			SampleRate:  1.0,
		},
		MCP: MCP{
			Addr: ":8081",
		},
		Cache: Cache{
			L1MaxSizeMB: 16,
			L1TTL:       10 * time.Minute,
			L2Bucket:    "ORCHESTRATION_POLICY",
			L2TTL:       24 * time.Hour,
		},
		Orchestrator: Orchestrator{
			MaxConcurrentInvocations: 32,
			DefaultRoleTimeout:       60 * time.Second,
			OrchestrationTimeout:     5 * time.Minute,
			MetricsDedupeTTL:         time.Hour,
			ArchiveBuffer:            1024,
			SubscriberBuffer:         16,
			PatternCacheSize:         1024,
		},
	}
}
