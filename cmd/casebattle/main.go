package main

import (
	"CaseBattle/internal/battle"
	"CaseBattle/internal/config"
	"CaseBattle/internal/eventbus"
	"CaseBattle/internal/fairness"
	"CaseBattle/internal/memstore"
	"CaseBattle/internal/observability"
	"CaseBattle/internal/persistence"
	"CaseBattle/internal/pricing"
	"CaseBattle/internal/server"
	"CaseBattle/internal/settlement"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// storage bundles the adapters chosen by BATTLE_STORAGE.
type storage struct {
	store   battle.Store
	wallet  battle.Wallet
	catalog battle.Catalog
	prices  pricing.Source
	close   func() error
}

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config: %v\n", err)
		os.Exit(1)
	}

	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("casebattle", level)
	componentLogger := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}
	logger.Info().Str("storage", cfg.Storage).Msg("CaseBattle starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Storage ---
	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open storage")
	}
	defer st.close()

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Event bus + JetStream sink ---
	bus := eventbus.New(cfg.EventBus(), componentLogger("eventbus"), metrics)

	var closeNATS func()
	if cfg.NATSURL != "" {
		nc, js, err := eventbus.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		if err := eventbus.EnsureStream(ctx, js, logger); err != nil {
			logger.Fatal().Err(err).Msg("ensure event stream")
		}
		bus.SubscribeAll(eventbus.NewNATSPublisher(js))
		closeNATS = func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		}
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")
	}

	// --- Engine ---
	engine := fairness.NewEngine()
	oracle := pricing.NewOracle(st.prices, cfg.Pricing(), componentLogger("pricing"), metrics)

	resolver := settlement.NewResolver(settlement.Deps{
		Store:   st.store,
		Wallet:  st.wallet,
		Valuer:  oracle,
		Engine:  engine,
		Bus:     bus,
		Logger:  componentLogger("settlement"),
		Metrics: metrics,
	})
	orchestrator := battle.NewOrchestrator(battle.Deps{
		Store:   st.store,
		Wallet:  st.wallet,
		Catalog: st.catalog,
		Engine:  engine,
		Settler: resolver,
		Bus:     bus,
		Logger:  componentLogger("orchestrator"),
		Metrics: metrics,
	}, cfg.Battle())

	maintenance, err := battle.NewMaintenance(orchestrator, oracle, cfg.SweepInterval)
	if err != nil {
		logger.Fatal().Err(err).Msg("maintenance scheduler")
	}

	// --- gRPC + HTTP ---
	srv, err := server.New(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Orchestrator:  orchestrator,
		Settler:       resolver,
		Prices:        oracle,
		HealthChecker: healthChecker,
		Logger:        componentLogger("server"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build server")
	}

	// --- Start goroutines ---
	errChan := make(chan error, 4)

	// 1. Maintenance sweeps (fill timeouts, stuck battles, price cache)
	maintenance.Start()

	// 2. gRPC server (health + reflection)
	go func() {
		errChan <- srv.StartGRPC(ctx)
	}()

	// 3. HTTP/JSON API
	go func() {
		errChan <- srv.StartHTTP(ctx)
	}()

	// 4. Prometheus metrics server
	go func() {
		errChan <- runMetricsServer(ctx, cfg.MetricsAddr, logger)
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("CaseBattle ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("server failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop taking traffic, stop the sweeper, then cancel in-flight battles
	// and flush queued events.
	healthChecker.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := maintenance.Stop(); err != nil {
		logger.Warn().Err(err).Msg("stop maintenance scheduler")
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("battle supervisors did not stop in time")
	}
	bus.Close(shutdownCtx)
	if closeNATS != nil {
		closeNATS()
	}

	logger.Info().Msg("CaseBattle shutdown complete")
}

func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storage, error) {
	if cfg.Storage == config.StorageMemory {
		catalog := memstore.NewCatalog()
		if cfg.CatalogFile != "" {
			f, err := os.Open(cfg.CatalogFile)
			if err != nil {
				return nil, fmt.Errorf("open catalog: %w", err)
			}
			defer f.Close()
			if err := catalog.Load(f); err != nil {
				return nil, err
			}
			logger.Info().Str("file", cfg.CatalogFile).Msg("catalog loaded")
		}
		logger.Warn().Msg("using in-memory storage; state is lost on restart")
		return &storage{
			store:   memstore.NewStore(),
			wallet:  memstore.NewWallet(),
			catalog: catalog,
			prices:  catalog,
			close:   func() error { return nil },
		}, nil
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	if cfg.AutoMigrate {
		migrator := persistence.NewMigrator(db, os.DirFS(cfg.MigrationsDir), logger)
		n, err := migrator.Up(ctx)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	catalog := persistence.NewCatalog(db)
	return &storage{
		store:   persistence.NewStore(db),
		wallet:  persistence.NewWallet(db),
		catalog: catalog,
		prices:  catalog,
		close:   db.Close,
	}, nil
}

func runMetricsServer(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
