package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/triage-ai/warden/internal/api"
	"github.com/triage-ai/warden/internal/catalog"
	"github.com/triage-ai/warden/internal/chread"
	"github.com/triage-ai/warden/internal/clock"
	"github.com/triage-ai/warden/internal/engine"
	"github.com/triage-ai/warden/internal/launcher"
	"github.com/triage-ai/warden/internal/metrics"
	"github.com/triage-ai/warden/internal/ratelimit"
	"github.com/triage-ai/warden/internal/registry"
	"github.com/triage-ai/warden/internal/storage"
	"github.com/triage-ai/warden/internal/store"
	"github.com/triage-ai/warden/internal/supervisor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// availabilityTTL bounds how stale the engine's structural view may get when
// an invalidation is missed.
const availabilityTTL = 5 * time.Second

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("WARDEN_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("WARDEN_HTTP_PORT", "8080")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	cacheTTL := envOrDefaultInt("WARDEN_AUTH_CACHE_TTL_S", 30)
	healthIntervalS := envOrDefaultInt("WARDEN_HEALTH_INTERVAL_S", 30)
	probeTimeoutMs := envOrDefaultInt("WARDEN_PROBE_TIMEOUT_MS", 5000)
	spawnTimeoutMs := envOrDefaultInt("WARDEN_SPAWN_TIMEOUT_MS", 30000)
	refreshEnableNew := envOrDefaultBool("WARDEN_REFRESH_ENABLE_NEW", true)
	recentSamples := envOrDefaultInt("WARDEN_RECENT_SAMPLES", 100)

	if postgresDSN == "" {
		logger.Fatal("POSTGRES_DSN is required")
	}

	logger.Info("starting warden server",
		zap.String("http_port", httpPort),
		zap.Int("health_interval_s", healthIntervalS),
		zap.Int("probe_timeout_ms", probeTimeoutMs),
		zap.Int("spawn_timeout_ms", spawnTimeoutMs),
		zap.Bool("refresh_enable_new", refreshEnableNew),
	)

	// Postgres pool
	db, err := sql.Open("pgx", postgresDSN)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(context.Background()); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	st := store.NewStore(db)
	logger.Info("postgres connected")

	// Event pipeline — ClickHouse or LogWriter fallback, fanned out to the
	// in-process metrics aggregator alongside the external sink.
	var writer storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(context.Background(), clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}

	clk := clock.NewReal()
	agg := metrics.NewAggregator(recentSamples, clk, logger)
	dispatcher := storage.NewDispatcher(writer, agg)

	// ClickHouse reader (for events/analytics HTTP endpoints)
	var chReader *chread.Reader
	if clickhouseDSN != "" {
		chReader, err = chread.NewReader(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = chReader.Close() }()
			logger.Info("clickhouse reader connected")
		}
	}

	// Process launching: exec for command servers, in-process for builtins
	builtins := launcher.NewBuiltinSet()
	launch := launcher.NewRouter(launcher.NewExecLauncher(logger), builtins)

	sup := supervisor.New(st, launch, dispatcher, clk, supervisor.Config{
		SpawnTimeout:   time.Duration(spawnTimeoutMs) * time.Millisecond,
		ProbeTimeout:   time.Duration(probeTimeoutMs) * time.Millisecond,
		HealthInterval: time.Duration(healthIntervalS) * time.Second,
	}, logger)

	reg := registry.NewRegistry(st, logger)
	avail := engine.NewAvailabilityCache(st, availabilityTTL, clk, logger)
	cat := catalog.NewCatalog(st, st, sup, avail, refreshEnableNew, logger)
	eng := engine.New(avail, st, st, ratelimit.NewCounter(), clk, logger)

	// Auto-update servers trigger a catalog refresh once they reach running.
	// The supervisor invokes the hook on its own goroutine.
	sup.SetRefreshHook(func(serverID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := cat.Refresh(ctx, serverID); err != nil {
			logger.Warn("auto update refresh failed",
				zap.String("server_id", serverID),
				zap.Error(err))
		}
	})

	// HTTP API server
	deps := &api.Dependencies{
		Store:      st,
		Registry:   reg,
		Supervisor: sup,
		Catalog:    cat,
		Engine:     eng,
		Metrics:    agg,
		Writer:     dispatcher,
		Reader:     chReader,
		Logger:     logger,
		CacheTTL:   time.Duration(cacheTTL) * time.Second,
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Boot: park stale statuses, bring up auto_start servers, then monitor
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := sup.Reconcile(bootCtx); err != nil {
		logger.Fatal("boot reconciliation failed", zap.Error(err))
	}
	sup.StartEligible(bootCtx)
	bootCancel()
	sup.StartMonitor()

	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown: drain HTTP, stop child processes, then flush events
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	sup.Close(shutdownCtx)
	dispatcher.Close()

	logger.Info("warden server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultVal
}
