// Package main is the entry point for the flowline automation engine.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/leadline/flowline/internal/config"
	"github.com/leadline/flowline/internal/crm"
	"github.com/leadline/flowline/internal/engine"
	"github.com/leadline/flowline/internal/mailer"
	"github.com/leadline/flowline/internal/observability"
	"github.com/leadline/flowline/internal/settings"
	"github.com/leadline/flowline/internal/store"
	"github.com/leadline/flowline/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "flowline-engine", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Persistence.
	st, pool, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	if pool != nil {
		defer pool.Close()
	}

	var set settings.Settings
	var crmAgg crm.CRM
	if pool != nil {
		set = settings.NewPgSettings(pool)
		crmAgg = crm.New(pool)
	} else {
		set = settings.NewMemSettings()
		crmAgg, _ = crm.NewMem()
	}

	// Outbound email.
	sender, err := mailer.NewHTTPMailer(cfg.Mailer, logger, metrics)
	if err != nil {
		logger.Error("mailer initialization failed", zap.Error(err))
		return 1
	}

	// Execution leases.
	leases, redisClient, err := buildLeaseStore(ctx, cfg.Lease, logger)
	if err != nil {
		logger.Error("lease store initialization failed", zap.Error(err))
		return 1
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Secondary trigger dispatch.
	var dispatcher engine.TriggerDispatcher
	var localDispatcher *engine.LocalTriggerDispatcher
	if cfg.Dispatch.Mode == "http" {
		dispatcher = engine.NewHTTPTriggerDispatcher(cfg.Dispatch.TriggerURL, cfg.Dispatch.Timeout, logger)
	} else {
		localDispatcher = engine.NewLocalTriggerDispatcher(logger)
		dispatcher = localDispatcher
	}

	eng := engine.NewEngine(st, set, crmAgg, sender, logger,
		engine.WithLeaseStore(leases),
		engine.WithDispatcher(dispatcher),
		engine.WithMetrics(metrics),
		engine.WithBatchSize(cfg.Executor.BatchSize),
		engine.WithLeaseTTL(cfg.Lease.TTL),
		engine.WithConditionReevalInterval(cfg.Executor.ConditionReevalInterval),
	)
	if localDispatcher != nil {
		localDispatcher.Bind(eng.Trigger)
	}

	readiness := observability.NewReadinessChecks(
		observability.CheckFunc{CheckName: "store", Fn: st.Ping},
	)

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       eng,
		Logger:       logger,
		Metrics:      metrics,
		Readiness:    readiness,
		Authenticate: buildAuthenticator(cfg.Auth, logger),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background executor ticker.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go runExecutorTicker(bgCtx, eng, cfg.Executor.Interval, logger)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store_driver", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore creates the configured store. The pool is non-nil only for the
// postgres driver.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, *pgxpool.Pool, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory store, data will not survive restarts")
		return store.NewMemStore(), nil, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("environment variable %s is not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("parse database config: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			poolCfg.MinConns = int32(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}

		return store.NewPgStore(pool), pool, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// buildLeaseStore creates the configured lease store. The redis client is
// non-nil only for the redis driver.
func buildLeaseStore(ctx context.Context, cfg config.LeaseConfig, logger *zap.Logger) (engine.LeaseStore, *redis.Client, error) {
	switch cfg.Driver {
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("environment variable %s is not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return engine.NewRedisLeaseStore(client), client, nil

	case "memory", "":
		logger.Info("using in-memory lease store")
		return engine.NewMemoryLeaseStore(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unsupported lease driver %q", cfg.Driver)
	}
}

// buildAuthenticator creates the service-token middleware, or nil when no
// secret is configured.
func buildAuthenticator(cfg config.AuthConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	secret := os.Getenv(cfg.TokenSecretEnv)
	if secret == "" {
		logger.Warn("service authentication disabled, no token secret configured")
		return nil
	}
	return transport.ServiceAuth([]byte(secret), cfg.Issuer, cfg.Audience, logger)
}

// runExecutorTicker invokes the executor pass on a fixed interval until the
// context is cancelled. The HTTP run endpoint remains the primary driver;
// the ticker covers deployments without an external cron.
func runExecutorTicker(ctx context.Context, runner engine.Runner, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := runner.Run(ctx)
			if err != nil {
				logger.Error("executor pass failed", zap.Error(err))
				continue
			}
			if resp.Processed > 0 {
				logger.Info("executor pass finished", zap.Int("processed", resp.Processed))
			}
		}
	}
}
