// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/kenaz/internal/commandchannel"
	"github.com/starford/kenaz/internal/engine"
	"github.com/starford/kenaz/internal/graphstore"
	"github.com/starford/kenaz/internal/ingestapi"
	"github.com/starford/kenaz/internal/pkmtypes"
	"github.com/starford/kenaz/internal/registry"
	"github.com/starford/kenaz/internal/saga"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("data_dir", cfg.Data.Dir),
		slog.String("command_channel_address", cfg.CommandChannel.Address),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure the data directory exists.
	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Load the multi-graph registry.
	reg, err := registry.Load(filepath.Join(cfg.Data.Dir, "registry.json"))
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	// The command channel's ack handler needs the engine, and the engine
	// needs the command channel to mirror local writes out to the
	// editor; eng is wired after construction below, and this closure
	// captures it by reference so the manager can start first.
	var eng *engine.Engine
	channel := commandchannel.New(cfg.Auth.Token, logger, func(ack pkmtypes.Ack) {
		eng.OnAck(ack)
	})
	defer channel.Close()

	// Open the saga coordinator's dedicated global WAL, wired to the same
	// channel so a saga compensating a previously committed outbound step
	// can dispatch the paired inverse command back to the editor.
	sagaC, err := saga.Open(filepath.Join(cfg.Data.Dir, "sagas.db"), logger, channel)
	if err != nil {
		return fmt.Errorf("open saga coordinator: %w", err)
	}
	defer sagaC.Close()

	triggers := graphstore.SnapshotTriggers{
		OpCount:      cfg.WAL.SnapshotOpCount,
		IdleInterval: cfg.WAL.IdleInterval(),
	}
	eng = engine.New(cfg.Data.Dir, reg, sagaC, channel, triggers, logger)
	defer eng.Close()

	// Build ingestion API router.
	apiRouter := ingestapi.NewRouter(eng, cfg.Auth.AuthEnabled(), cfg.Auth.Token)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: apiRouter,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start the ingestion HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Start the command channel listener the editor plugin connects to.
	g.Go(func() error {
		l, err := net.Listen("tcp", cfg.CommandChannel.Address)
		if err != nil {
			return fmt.Errorf("command channel listen: %w", err)
		}
		logger.Info("Command channel listening", slog.String("address", cfg.CommandChannel.Address))
		if err := channel.Serve(gCtx, l); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("command channel error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		channel.Close()

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
