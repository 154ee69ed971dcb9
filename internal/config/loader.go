package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the YAML path used when neither ORCH_CONFIG nor
// --config names one.
const DefaultConfigFile = "orchestrator.yaml"

// LoadFrom builds a Config from defaults, the optional YAML file at path and
// the environment, then validates it.
func LoadFrom(path string) (*Config, error) {
	return assemble(path, CLIFlags{})
}

func configPath(flags CLIFlags) string {
	if flags.ConfigPath != nil {
		return *flags.ConfigPath
	}
	if v := os.Getenv("ORCH_CONFIG"); v != "" {
		return v
	}
	return DefaultConfigFile
}

func assemble(path string, flags CLIFlags) (*Config, error) {
	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}
	if err := loadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}
	applyCLI(&cfg, flags)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

// loadYAML decodes path over cfg. A missing file leaves cfg untouched;
// unknown keys are rejected so typos do not silently fall back to defaults.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// envVar binds one environment variable to a config field.
type envVar struct {
	name string
	set  func(string) error
}

func str(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func parsed[T any](dst *T, parse func(string) (T, error)) func(string) error {
	return func(v string) error {
		x, err := parse(v)
		if err != nil {
			return err
		}
		*dst = x
		return nil
	}
}

func integer(dst *int) func(string) error { return parsed(dst, strconv.Atoi) }

func integer32(dst *int32) func(string) error {
	return parsed(dst, func(v string) (int32, error) {
		n, err := strconv.ParseInt(v, 10, 32)
		return int32(n), err
	})
}

func integer64(dst *int64) func(string) error {
	return parsed(dst, func(v string) (int64, error) { return strconv.ParseInt(v, 10, 64) })
}

func float(dst *float64) func(string) error {
	return parsed(dst, func(v string) (float64, error) { return strconv.ParseFloat(v, 64) })
}

func boolean(dst *bool) func(string) error           { return parsed(dst, strconv.ParseBool) }
func duration(dst *time.Duration) func(string) error { return parsed(dst, time.ParseDuration) }

func envVars(cfg *Config) []envVar {
	o := &cfg.Orchestrator
	return []envVar{
		{"ORCH_PORT", str(&cfg.Server.Port)},
		{"ORCH_CORS_ORIGIN", str(&cfg.Server.CORSOrigin)},
		{"ORCH_SHUTDOWN_TIMEOUT", duration(&cfg.Server.ShutdownTimeout)},

		{"DATABASE_URL", str(&cfg.Postgres.DSN)},
		{"ORCH_PG_MAX_CONNS", integer32(&cfg.Postgres.MaxConns)},
		{"ORCH_PG_MIN_CONNS", integer32(&cfg.Postgres.MinConns)},
		{"ORCH_PG_MAX_CONN_LIFETIME", duration(&cfg.Postgres.MaxConnLifetime)},
		{"ORCH_PG_MAX_CONN_IDLE_TIME", duration(&cfg.Postgres.MaxConnIdleTime)},
		{"ORCH_PG_HEALTH_CHECK", duration(&cfg.Postgres.HealthCheck)},

		{"NATS_URL", str(&cfg.NATS.URL)},
		{"LITELLM_URL", str(&cfg.LiteLLM.URL)},
		{"LITELLM_MASTER_KEY", str(&cfg.LiteLLM.MasterKey)},

		{"ORCH_LOG_LEVEL", str(&cfg.Logging.Level)},
		{"ORCH_LOG_SERVICE", str(&cfg.Logging.Service)},
		{"ORCH_LOG_ASYNC", boolean(&cfg.Logging.Async)},

		{"ORCH_BREAKER_MAX_FAILURES", integer(&cfg.Breaker.MaxFailures)},
		{"ORCH_BREAKER_TIMEOUT", duration(&cfg.Breaker.Timeout)},
		{"ORCH_RATE_RPS", float(&cfg.Rate.RequestsPerSecond)},
		{"ORCH_RATE_BURST", integer(&cfg.Rate.Burst)},
		{"ORCH_RATE_CLEANUP_INTERVAL", duration(&cfg.Rate.CleanupInterval)},
		{"ORCH_RATE_MAX_IDLE_TIME", duration(&cfg.Rate.MaxIdleTime)},

		{"ORCH_OTEL_ENABLED", boolean(&cfg.OTEL.Enabled)},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", str(&cfg.OTEL.Endpoint)},
		{"OTEL_SERVICE_NAME", str(&cfg.OTEL.ServiceName)},
		{"ORCH_OTEL_INSECURE", boolean(&cfg.OTEL.Insecure)},
		{"ORCH_OTEL_SAMPLE_RATE", float(&cfg.OTEL.SampleRate)},

		{"ORCH_MCP_ENABLED", boolean(&cfg.MCP.Enabled)},
		{"ORCH_MCP_ADDR", str(&cfg.MCP.Addr)},
		{"ORCH_MCP_API_KEY", str(&cfg.MCP.APIKey)},

		{"ORCH_CACHE_L1_SIZE_MB", integer64(&cfg.Cache.L1MaxSizeMB)},
		{"ORCH_CACHE_L1_TTL", duration(&cfg.Cache.L1TTL)},
		{"ORCH_CACHE_L2_BUCKET", str(&cfg.Cache.L2Bucket)},
		{"ORCH_CACHE_L2_TTL", duration(&cfg.Cache.L2TTL)},

		{"ORCH_MAX_CONCURRENT_INVOCATIONS", integer(&o.MaxConcurrentInvocations)},
		{"ORCH_DEFAULT_ROLE_TIMEOUT", duration(&o.DefaultRoleTimeout)},
		{"ORCH_ORCHESTRATION_TIMEOUT", duration(&o.OrchestrationTimeout)},
		{"ORCH_POLICY_FILE", str(&o.PolicyFile)},
		{"ORCH_METRICS_RESET_INTERVAL", duration(&o.MetricsResetInterval)},
		{"ORCH_METRICS_DEDUPE_TTL", duration(&o.MetricsDedupeTTL)},
		{"ORCH_ARCHIVE_BUFFER", integer(&o.ArchiveBuffer)},
		{"ORCH_SUBSCRIBER_BUFFER", integer(&o.SubscriberBuffer)},
		{"ORCH_PATTERN_CACHE_SIZE", integer64(&o.PatternCacheSize)},
	}
}

// loadEnv applies every non-empty bound variable. Malformed values are
// reported together rather than ignored.
func loadEnv(cfg *Config) error {
	var errs []error
	for _, ev := range envVars(cfg) {
		v := os.Getenv(ev.name)
		if v == "" {
			continue
		}
		if err := ev.set(v); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", ev.name, v, err))
		}
	}
	return errors.Join(errs...)
}

// validate reports every problem with cfg, not just the first.
func validate(cfg *Config) error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}
	o := cfg.Orchestrator

	check(cfg.Server.Port != "", "server.port is required")
	check(cfg.LiteLLM.URL != "", "litellm.url is required")
	check(cfg.Postgres.DSN == "" || cfg.Postgres.MaxConns >= 1, "postgres.max_conns must be >= 1")
	check(cfg.Breaker.MaxFailures >= 1, "breaker.max_failures must be >= 1")
	check(cfg.Rate.Burst >= 1, "rate.burst must be >= 1")
	check(cfg.OTEL.SampleRate >= 0 && cfg.OTEL.SampleRate <= 1, "otel.sample_rate must be within [0,1]")
	check(!cfg.MCP.Enabled || cfg.MCP.Addr != "", "mcp.addr is required when mcp is enabled")
	check(o.MaxConcurrentInvocations >= 1, "orchestrator.max_concurrent_invocations must be >= 1")
	check(o.DefaultRoleTimeout > 0, "orchestrator.default_role_timeout must be > 0")
	check(o.OrchestrationTimeout > 0, "orchestrator.orchestration_timeout must be > 0")
	check(o.MetricsResetInterval >= 0, "orchestrator.metrics_reset_interval must be >= 0")
	check(o.ArchiveBuffer >= 1, "orchestrator.archive_buffer must be >= 1")
	check(o.MetricsDedupeTTL > 0, "orchestrator.metrics_dedupe_ttl must be > 0")

	return errors.Join(errs...)
}
