// Command server runs the agentboard dispatch server: the task queue, the
// worker registry, the column automation engine and the event stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/agentboard/internal/adapter/httpserver"
	"github.com/fairyhunter13/agentboard/internal/adapter/observability"
	"github.com/fairyhunter13/agentboard/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/agentboard/internal/app"
	"github.com/fairyhunter13/agentboard/internal/config"
	"github.com/fairyhunter13/agentboard/internal/service/eventbus"
	"github.com/fairyhunter13/agentboard/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return fmt.Errorf("op=main: tracing: %w", err)
	}
	if shutdownTracing != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(sctx); err != nil {
				slog.Warn("tracing shutdown failed", slog.Any("error", err))
			}
		}()
	}

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("op=main: db connect: %w", err)
	}
	defer pool.Close()
	if err := postgres.Migrate(pool); err != nil {
		return fmt.Errorf("op=main: migrate: %w", err)
	}

	taskRepo := postgres.NewTaskRepo(pool)
	workerRepo := postgres.NewWorkerRepo(pool)
	boardRepo := postgres.NewBoardRepo(pool)
	userRepo := postgres.NewUserRepo(pool)
	bus := eventbus.New()

	automation := usecase.NewAutomationEngine(taskRepo, boardRepo, bus)
	tasks := usecase.NewTaskService(taskRepo, workerRepo, boardRepo, bus, automation)
	workers := usecase.NewWorkerService(workerRepo, taskRepo, bus,
		cfg.WorkerPollInterval, cfg.WorkerHeartbeatInterval, cfg.WorkerMaxConcurrent)
	cards := usecase.NewCardService(boardRepo, bus, automation)

	sweeper := app.NewWorkerSweeper(workerRepo, taskRepo, tasks, bus,
		cfg.SweepInterval, cfg.StaleAfter, cfg.OfflineAfter)
	go sweeper.Run(ctx)

	tokens := httpserver.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL)
	srv := httpserver.NewServer(tasks, workers, cards, bus, cfg.StreamHeartbeat)
	router := app.NewRouter(cfg, srv, userRepo, tokens)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		return fmt.Errorf("op=main: shutdown: %w", err)
	}
	return nil
}
