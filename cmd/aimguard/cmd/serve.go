package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	inhttp "github.com/aimguard/gateway/internal/adapter/inbound/http"
	"github.com/aimguard/gateway/internal/adapter/outbound/audit"
	"github.com/aimguard/gateway/internal/adapter/outbound/memory"
	outredis "github.com/aimguard/gateway/internal/adapter/outbound/redis"
	outsqlite "github.com/aimguard/gateway/internal/adapter/outbound/sqlite"
	"github.com/aimguard/gateway/internal/adapter/outbound/state"
	"github.com/aimguard/gateway/internal/adapter/outbound/upstream"
	"github.com/aimguard/gateway/internal/config"
	"github.com/aimguard/gateway/internal/domain/budget"
	"github.com/aimguard/gateway/internal/domain/checker"
	"github.com/aimguard/gateway/internal/domain/pipeline"
	"github.com/aimguard/gateway/internal/domain/ratelimit"
	"github.com/aimguard/gateway/internal/domain/registry"
	"github.com/aimguard/gateway/internal/metrics"
	"github.com/aimguard/gateway/internal/service"
	"github.com/aimguard/gateway/internal/telemetry"
)

var devMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfigRaw()
		if err != nil {
			return err
		}
		if devMode {
			cfg.DevMode = true
		}
		cfg.SetDevDefaults()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "run with permissive dev defaults")
	rootCmd.AddCommand(serveCmd)
}

// runServe wires every component and serves until SIGINT/SIGTERM.
func runServe(parent context.Context, cfg *config.AppConfig) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first, so everything below traces.
	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.TracingEnabled,
		ServiceName:  "aimguard",
		MetricExport: cfg.Telemetry.TracingEnabled && cfg.DevMode,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	// Checker catalog.
	reg := registry.New()
	checker.RegisterBuiltins(reg)

	// Policy and budgets.
	domainCfg, profiles, err := cfg.Guardrails.ToDomain()
	if err != nil {
		return err
	}
	bm := budget.NewManager(profiles)

	var snapStore *state.SnapshotStore
	if cfg.PolicySnapshotPath != "" {
		snapStore = state.NewSnapshotStore(cfg.PolicySnapshotPath, logger)
	}
	configSvc, err := service.NewConfigService(domainCfg, bm, reg, snapStore, logger)
	if err != nil {
		return err
	}

	// Rate limiter backend.
	limiter, cleanup, err := buildRateLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	gate := ratelimit.NewGate(limiter)

	// Metrics.
	var promReg *prometheus.Registry
	var m *metrics.Metrics
	if cfg.Telemetry.MetricsEnabled {
		promReg = prometheus.NewRegistry()
		promReg.MustRegister(collectors.NewGoCollector())
		promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(promReg)
	}

	// Audit sink.
	flushInterval, _ := time.ParseDuration(cfg.Audit.FlushInterval)
	auditW, err := audit.NewWriter(audit.Config{
		Output:        cfg.Audit.Output,
		ChannelSize:   cfg.Audit.ChannelSize,
		FlushInterval: flushInterval,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = auditW.Close() }()

	// Pipeline and services.
	orch := pipeline.New(reg, bm, logger)
	guard := service.NewGuardrailService(configSvc, gate, orch, bm, reg, m, auditW, logger)
	guard.Availability() // force lazy init and publish the gauge before serving

	var proxySvc *service.ProxyService
	if cfg.Upstream.BaseURL != "" {
		timeout, _ := time.ParseDuration(cfg.Upstream.Timeout)
		backoff, _ := time.ParseDuration(cfg.Upstream.RetryBackoff)
		up := upstream.NewClient(cfg.Upstream.BaseURL, timeout, backoff)
		proxySvc = service.NewProxyService(guard, up, logger)
	}

	handler := inhttp.NewHandler(inhttp.Options{
		Guard:          guard,
		Proxy:          proxySvc,
		Config:         configSvc,
		Metrics:        promReg,
		DefaultUseCase: cfg.DefaultUseCase,
		MaxInFlight:    cfg.Server.MaxInFlight,
		Logger:         logger,
	})

	shutdownTimeout, _ := time.ParseDuration(cfg.Server.ShutdownTimeout)
	server := inhttp.NewServer(cfg.Server.HTTPAddr, handler, shutdownTimeout, logger)

	logger.Info("aimguard starting",
		"addr", cfg.Server.HTTPAddr,
		"upstream", cfg.Upstream.BaseURL,
		"rate_limit_backend", cfg.RateLimitStore.Backend,
		"checkers", len(domainCfg.Checkers),
		"config_file", config.ConfigFileUsed())
	return server.Run(ctx)
}

// buildRateLimiter constructs the configured counter backend and its
// teardown.
func buildRateLimiter(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (ratelimit.RateLimiter, func(), error) {
	switch cfg.RateLimitStore.Backend {
	case "", "memory":
		interval, err := time.ParseDuration(cfg.RateLimitStore.CleanupInterval)
		if err != nil || interval <= 0 {
			interval = 5 * time.Minute
		}
		rl := memory.NewRateLimiterWithConfig(interval, 24*time.Hour)
		rl.StartCleanup(ctx)
		return rl, rl.Stop, nil

	case "sqlite":
		rl, err := outsqlite.NewRateLimiter(cfg.RateLimitStore.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return rl, func() { _ = rl.Close() }, nil

	case "redis":
		rl := outredis.NewRateLimiter(outredis.Options{
			Addr: cfg.RateLimitStore.RedisAddr,
			DB:   cfg.RateLimitStore.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rl.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable at startup, continuing", "addr", cfg.RateLimitStore.RedisAddr, "error", err)
		}
		return rl, func() { _ = rl.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown rate_limit_store backend %q", cfg.RateLimitStore.Backend)
}

// newLogger builds the process logger: JSON in production, text in dev.
func newLogger(cfg *config.AppConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.DevMode {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
