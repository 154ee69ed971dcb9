package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	cfhttp "github.com/agentic-work/openagenticwork-sub000/internal/adapter/http"
	"github.com/agentic-work/openagenticwork-sub000/internal/adapter/litellm"
	cfmcp "github.com/agentic-work/openagenticwork-sub000/internal/adapter/mcp"
	"github.com/agentic-work/openagenticwork-sub000/internal/adapter/memory"
	cfnats "github.com/agentic-work/openagenticwork-sub000/internal/adapter/nats"
	"github.com/agentic-work/openagenticwork-sub000/internal/adapter/natskv"
	cfotel "github.com/agentic-work/openagenticwork-sub000/internal/adapter/otel"
	"github.com/agentic-work/openagenticwork-sub000/internal/adapter/postgres"
	"github.com/agentic-work/openagenticwork-sub000/internal/adapter/prom"
	cfristretto "github.com/agentic-work/openagenticwork-sub000/internal/adapter/ristretto"
	"github.com/agentic-work/openagenticwork-sub000/internal/adapter/tiered"
	"github.com/agentic-work/openagenticwork-sub000/internal/adapter/ws"
	"github.com/agentic-work/openagenticwork-sub000/internal/config"
	"github.com/agentic-work/openagenticwork-sub000/internal/logger"
	"github.com/agentic-work/openagenticwork-sub000/internal/middleware"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/archive"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/cache"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/messagequeue"
	"github.com/agentic-work/openagenticwork-sub000/internal/port/policyrepo"
	"github.com/agentic-work/openagenticwork-sub000/internal/resilience"
	"github.com/agentic-work/openagenticwork-sub000/internal/secrets"
	"github.com/agentic-work/openagenticwork-sub000/internal/service"
)

const (
	version        = "0.1.0"
	adminKeyEnv    = "ORCH_ADMIN_API_KEY"
	mcpKeyEnv      = "ORCH_MCP_API_KEY"
	idempotencyTTL = 24 * time.Hour
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"file", cfgPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"postgres", cfg.Postgres.DSN != "",
		"nats", cfg.NATS.URL != "",
		"max_concurrent_invocations", cfg.Orchestrator.MaxConcurrentInvocations,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	otelShutdown, err := cfotel.Init(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	telemetry, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	vault, err := secrets.NewVault(secrets.EnvLoader(adminKeyEnv, mcpKeyEnv))
	if err != nil {
		return err
	}
	if vault.Get(adminKeyEnv) == "" {
		slog.Warn("admin API key not set, policy writes are unauthenticated", "env", adminKeyEnv)
	}

	// --- Infrastructure ---

	var (
		repo    policyrepo.Repository = memory.NewPolicyRepo()
		arch    archive.Archive       = memory.NewArchive(1000)
		checks  []cfhttp.HealthCheck
		queue   messagequeue.Queue
		natsQue *cfnats.Queue
	)

	if cfg.Postgres.DSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("postgres connected, migrations applied")
		repo = postgres.NewPolicyStore(pool)
		arch = postgres.NewArchiveStore(pool)
		checks = append(checks, cfhttp.HealthCheck{Name: "postgres", Check: pool.Ping})
	} else {
		slog.Warn("no postgres DSN, policy history and archive are in-memory")
	}

	if cfg.NATS.URL != "" {
		natsQue, err = cfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = natsQue.Close() }()
		queue = natsQue
		checks = append(checks, cfhttp.HealthCheck{Name: "nats", Check: func(context.Context) error {
			if !natsQue.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		}})
	}

	l1, err := cfristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer l1.Close()
	var sharedCache cache.Cache = l1
	if natsQue != nil {
		kv, err := natsQue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
		if err != nil {
			return fmt.Errorf("l2 cache: %w", err)
		}
		sharedCache = tiered.New(l1, natskv.New(kv), cfg.Cache.L1TTL)
	}

	patterns, err := cfristretto.NewPatterns(cfg.Orchestrator.PatternCacheSize)
	if err != nil {
		return fmt.Errorf("pattern cache: %w", err)
	}
	defer patterns.Close()

	// --- Model invocation ---

	llm := litellm.NewClient(cfg.LiteLLM.URL, cfg.LiteLLM.MasterKey)
	llm.SetHTTPClient(&http.Client{Transport: cfotel.Transport(http.DefaultTransport)})
	checks = append(checks, cfhttp.HealthCheck{Name: "litellm", Check: llm.Health})

	breakers := resilience.NewBreakerSet(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout, litellm.BreakerCountable)
	breakers.OnTransition(func(model, from, to string) {
		slog.Warn("model circuit breaker changed state", "model", model, "from", from, "to", to)
	})
	invPool := resilience.NewPool(cfg.Orchestrator.MaxConcurrentInvocations)
	invPool.OnWait(func(d time.Duration) {
		telemetry.PoolWaitSeconds.Record(context.Background(), d.Seconds())
	})

	// --- Services ---

	hub := ws.NewHub(originHosts(cfg.Server.CORSOrigin)...)
	defer hub.Close()

	policies := service.NewPolicyStore(repo, sharedCache, queue, hub, cfg.Orchestrator.SubscriberBuffer)
	if err := policies.Load(ctx, cfg.Orchestrator.PolicyFile); err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	stopSync, err := policies.StartSync(ctx)
	if err != nil {
		return fmt.Errorf("policy sync: %w", err)
	}
	defer stopSync()

	metrics := service.NewMetricsCollector(arch, queue, cfg.Orchestrator.ArchiveBuffer, cfg.Orchestrator.MetricsDedupeTTL)
	coordinator := service.NewCoordinator(
		policies,
		service.NewClassifier(patterns),
		service.NewRoleInvoker(litellm.NewInvoker(llm, breakers), invPool, cfg.Orchestrator.DefaultRoleTimeout),
		metrics,
		cfg.Orchestrator.OrchestrationTimeout,
	)
	coordinator.SetBroadcaster(hub)
	coordinator.SetTelemetry(telemetry)

	// --- HTTP ---

	handlers := &cfhttp.Handlers{
		Policies:    policies,
		Coordinator: coordinator,
		Metrics:     metrics,
		Checks:      checks,
	}
	if recent, ok := arch.(archive.Recent); ok {
		handlers.Archive = recent
	}

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst).WithKeyFunc(middleware.UserOrIP)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(cfotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	r.Use(cfhttp.SecurityHeaders)
	r.Use(cfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cfhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/ws", hub.HandleWS)
	r.Handle("/metrics", prom.Handler(prom.NewCollector(metrics, invPool, breakers)))
	r.Group(func(r chi.Router) {
		r.Use(limiter.Handler)
		cfhttp.MountRoutes(r, handlers, cfhttp.RouteOptions{
			AdminKey:       vault.Func(adminKeyEnv),
			Idempotency:    sharedCache,
			IdempotencyTTL: idempotencyTTL,
		})
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Orchestrator.OrchestrationTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var mcpSrv *cfmcp.Server
	if cfg.MCP.Enabled {
		mcpSrv = cfmcp.NewServer(cfmcp.ServerConfig{
			Addr:    cfg.MCP.Addr,
			Name:    "orchestrator",
			Version: version,
			APIKey: func() string {
				if k := vault.Get(mcpKeyEnv); k != "" {
					return k
				}
				return cfg.MCP.APIKey
			},
		}, cfmcp.ServerDeps{Policies: policies, Metrics: metrics, Runs: coordinator})
		if err := mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
	}

	// --- Run ---

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return metrics.Run(gctx, cfg.Orchestrator.MetricsResetInterval)
	})
	g.Go(func() error {
		coordinator.WatchPolicy(gctx)
		return nil
	})
	g.Go(func() error {
		limiter.RunCleanup(gctx, cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
		return nil
	})
	g.Go(func() error {
		reloadSecrets(gctx, vault)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if mcpSrv != nil {
			if err := mcpSrv.Stop(sctx); err != nil {
				slog.Warn("mcp shutdown", "error", err)
			}
		}
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

// originHosts turns the CORS origin list into WebSocket origin host patterns.
func originHosts(csv string) []string {
	var hosts []string
	for _, o := range strings.Split(csv, ",") {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		hosts = append(hosts, o)
	}
	return hosts
}

// reloadSecrets re-reads .env and the environment on SIGHUP so the admin
// key can be rotated without a restart.
func reloadSecrets(ctx context.Context, vault *secrets.Vault) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			_ = godotenv.Overload()
			if err := vault.Reload(); err != nil {
				slog.Error("secret reload failed", "error", err)
				continue
			}
			slog.Info("secrets reloaded", "admin_key", vault.Redacted(adminKeyEnv))
		}
	}
}
