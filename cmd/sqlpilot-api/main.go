package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sqlpilot/sqlpilot/internal/api"
	"github.com/sqlpilot/sqlpilot/internal/auth"
	"github.com/sqlpilot/sqlpilot/internal/bridge"
	"github.com/sqlpilot/sqlpilot/internal/config"
	"github.com/sqlpilot/sqlpilot/internal/history"
	historypostgres "github.com/sqlpilot/sqlpilot/internal/history/postgres"
	"github.com/sqlpilot/sqlpilot/internal/observability"
	"github.com/sqlpilot/sqlpilot/internal/session"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlpilot-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	client, err := bridge.New(bridge.Config{
		BaseURL:          cfg.Bridge.BaseURL,
		ConnectTimeout:   cfg.Bridge.ConnectTimeout,
		ParseTimeout:     cfg.Bridge.ParseTimeout,
		GenerateTimeout:  cfg.Bridge.GenerateTimeout,
		ExecuteTimeout:   cfg.Bridge.ExecuteTimeout,
		TerminateTimeout: cfg.Bridge.TerminateTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize bridge client", slog.Any("error", err))
		os.Exit(1)
	}

	readiness := []api.ReadinessCheck{api.CheckBridgeConfig(cfg)}

	var store history.Store
	if cfg.History.Enabled {
		historyDB, err := historypostgres.Open(context.Background(), historypostgres.DBConfig{
			DSN:             cfg.History.DSN,
			MaxOpenConns:    cfg.History.MaxOpenConns,
			MaxIdleConns:    cfg.History.MaxIdleConns,
			ConnMaxIdleTime: cfg.History.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.History.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open history db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = historyDB.Close() }()

		repo := historypostgres.NewRepository(historyDB)
		if err := repo.EnsureSchema(context.Background()); err != nil {
			logger.Error("failed to ensure history schema", slog.Any("error", err))
			os.Exit(1)
		}
		store = repo
		readiness = append(readiness, repo.HealthCheck)
	}

	sessions := session.NewManager(cfg.Pipeline.SessionTTL, logger)
	defer sessions.Close()

	orchestrator := session.NewOrchestrator(client, cfg.Pipeline, clockwork.NewRealClock(), logger)

	deps := api.Dependencies{
		Logger:            logger,
		Sessions:          sessions,
		Orchestrator:      orchestrator,
		History:           store,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
