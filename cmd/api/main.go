// Package main is the entry point for the Lifeline notification API server.
//
// It loads configuration, connects to the message broker and the delivery
// record store, builds the publisher with its direct-dispatch fallback, and
// serves the HTTP API until SIGINT or SIGTERM.
//
// The broker connection is dialed eagerly but a dial failure is not fatal:
// the publisher falls back to direct dispatch while the connection is down
// and the broker client redials lazily on the next publish.
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

	"lifeline/internal/api"
	"lifeline/internal/broker"
	"lifeline/internal/config"
	"lifeline/internal/dispatch"
	"lifeline/internal/publish"
	"lifeline/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("lifeline API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
		"queue", cfg.Broker.Queue,
	)

	conn := broker.New(cfg.Broker, logger)
	if err := conn.Dial(); err != nil {
		// Degraded start: publishes fall back to direct dispatch until the
		// lazy redial brings the connection back.
		logger.Warn("broker unreachable at startup, continuing in fallback mode", "error", err.Error())
	}
	defer conn.Close()

	deliveries, closeStore, err := newDeliveryStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	dispatcher := dispatch.NewRelayDispatcher(cfg.Dispatch, logger)
	publisher := publish.New(conn, cfg.Broker.Queue, dispatcher, deliveries, logger)

	srv, err := api.NewServer(cfg, publisher, deliveries, logger,
		api.BrokerProbe{Conn: conn},
		api.StoreProbe{Store: deliveries},
	)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newDeliveryStore returns the Postgres-backed store when DATABASE_URL is
// configured, otherwise an in-memory store good enough for local runs.
func newDeliveryStore(cfg *config.Config, logger *slog.Logger) (store.DeliveryStore, func(), error) {
	if cfg.Store.URL == "" {
		logger.Info("no database configured, using in-memory delivery records")
		return store.NewMemoryStore(), func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pg, err := store.NewPostgresStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to delivery store: %w", err)
	}
	logger.Info("delivery record store connected")
	return pg, pg.Close, nil
}

// newLogger creates a structured JSON logger for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
