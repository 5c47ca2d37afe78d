package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/stockpoints/backend/internal/auth"
	"github.com/stockpoints/backend/internal/config"
	"github.com/stockpoints/backend/internal/db"
	"github.com/stockpoints/backend/internal/execution"
	"github.com/stockpoints/backend/internal/ledger"
	"github.com/stockpoints/backend/internal/metrics"
	"github.com/stockpoints/backend/internal/provider"
	"github.com/stockpoints/backend/internal/repository"
	"github.com/stockpoints/backend/internal/resolver"
	"github.com/stockpoints/backend/internal/services"
	"github.com/stockpoints/backend/internal/telemetry"
)

const (
	serviceName     = "stockpoints-api"
	serviceVersion  = "0.1.0"
	shutdownTimeout = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(serviceName, serviceVersion, cfg.TracingEnabled, os.Stdout)
	if err != nil {
		slog.Error("Failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracer(sctx)
	}()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running and DATABASE_URL is correct", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := db.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Catalog
	catalog, err := loadCatalog(cfg.ProviderCatalogFile)
	if err != nil {
		slog.Error("Failed to load provider catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("Provider catalog loaded", "providers", len(catalog.Providers()), "url_rules", catalog.Resolver().Rules())

	// Ledger, orders, remote provider
	ledgerSvc := ledger.NewService(ledger.NewRepository(pool))
	orderRepo := repository.NewStockOrderRepo(pool)
	remote := provider.NewClient(cfg.ProviderAPIURL, cfg.ProviderAPIKey, cfg.ProviderTimeout,
		provider.WithMetrics(m),
		provider.WithPreviewCache(cfg.PreviewCacheSize, cfg.PreviewCacheTTL),
	)

	orchestrator := services.NewOrchestrator(catalog, ledgerSvc, orderRepo, pool, remote, logger)
	orchestrator.Metrics = m

	// River insert funcs are set after the client is created (breaks init cycle).
	var insertMu sync.Mutex
	var insertTxFn func(ctx context.Context, tx pgx.Tx, args execution.RefreshOrderArgs) error
	var insertManyFn execution.EnqueueRefreshFunc

	orchestrator.EnqueueRefresh = func(ctx context.Context, tx pgx.Tx, taskID string) error {
		insertMu.Lock()
		fn := insertTxFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, execution.RefreshOrderArgs{TaskID: taskID})
	}
	enqueueMany := func(ctx context.Context, args []execution.RefreshOrderArgs) error {
		insertMu.Lock()
		fn := insertManyFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, args)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewRefreshOrderWorker(orchestrator, cfg.RefreshInterval, cfg.RefreshMaxAge, logger))
	river.AddWorker(workers, execution.NewSweepActiveOrdersWorker(orderRepo, enqueueMany, cfg.RefreshMaxAge, cfg.SweepLimit, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.RiverWorkers},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.SweepInterval),
				func() (river.JobArgs, *river.InsertOpts) { return execution.SweepActiveOrdersArgs{}, nil },
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
		Logger: logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertTxFn = func(ctx context.Context, tx pgx.Tx, args execution.RefreshOrderArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertManyFn = func(ctx context.Context, args []execution.RefreshOrderArgs) error {
		params := make([]river.InsertManyParams, len(args))
		for i, a := range args {
			params[i] = river.InsertManyParams{Args: a}
		}
		_, err := riverClient.InsertMany(ctx, params)
		return err
	}
	insertMu.Unlock()

	validator, err := services.NewRequestValidator()
	if err != nil {
		slog.Error("Request validator init failed", "error", err)
		os.Exit(1)
	}
	tokens := auth.NewTokenService(cfg.JWTSecret, 0)

	apiHandler := newAPIHandler(orchestrator, catalog, tokens, validator, reg, m, logger)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	}).Handler(apiHandler)

	// Start River client (processes jobs)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Error("HTTP server shutdown", "error", err)
	}
	if err := riverClient.Stop(sctx); err != nil {
		slog.Error("River client stop", "error", err)
	}
}

func loadCatalog(path string) (*resolver.Catalog, error) {
	if path == "" {
		return resolver.DefaultCatalog()
	}
	return resolver.LoadCatalogFile(path)
}
