package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bobarin/splitrender/internal/api"
	"github.com/bobarin/splitrender/internal/app"
	"github.com/bobarin/splitrender/internal/config"
	"github.com/bobarin/splitrender/internal/logging"
)

const drainTimeout = 10 * time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New(logging.Config{Name: "splitrender"}).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Name: "splitrender", Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting splitrender API")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	var runs api.RunStore
	if a.DB != nil {
		runs = a.DB
	}
	handler := api.NewHandler(a.Orchestrator, a.Store, runs, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		Metrics:            a.Metrics.Handler(),
		Logger:             logger,
	})

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Start the chunk consumer if enabled
	if cfg.WorkerEnabled && a.Queue != nil {
		consumer, err := a.NewConsumer()
		if err != nil {
			logger.Error("failed to start consumer", "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			consumer.Start(gctx, cfg.MaxConcurrentJobs)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("API server listening", "port", cfg.APIPort, "dispatch", cfg.DispatchMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}

	// Renders accepted before shutdown run to completion
	logger.Info("waiting for in-flight renders")
	closed := make(chan error, 1)
	go func() { closed <- a.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			logger.Warn("error closing clients", "error", err)
		}
	case <-time.After(drainTimeout):
		logger.Warn("gave up waiting for in-flight renders", "timeout", drainTimeout)
	}

	logger.Info("server exited")
}
