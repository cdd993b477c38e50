// Package main is the entry point for the notification worker process.
//
// The worker holds one broker connection, consumes the notification queue
// with prefetch 1, and dispatches each message through the relay adapter.
// It runs until SIGINT or SIGTERM; the message in flight at shutdown is
// always driven to a terminal resolution before the process exits.
//
// Multiple worker processes may run against the same queue; the broker
// load-balances deliveries between them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"lifeline/internal/broker"
	"lifeline/internal/config"
	"lifeline/internal/dispatch"
	"lifeline/internal/store"
	"lifeline/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("lifeline worker starting",
		"environment", cfg.Environment,
		"queue", cfg.Broker.Queue,
		"dlq", cfg.Broker.DLQName(),
		"max_attempts", cfg.Broker.MaxAttempts,
	)

	conn := broker.New(cfg.Broker, logger)
	if err := conn.Dial(); err != nil {
		// Not fatal: Run retries the consume stream with backoff, which
		// redials through the same connection.
		logger.Warn("broker unreachable at startup, will keep retrying", "error", err.Error())
	}
	defer conn.Close()

	deliveries, closeStore, err := newDeliveryStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	dispatcher := dispatch.NewRelayDispatcher(cfg.Dispatch, logger)
	w := worker.New(conn, dispatcher, deliveries, cfg.Broker, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	logger.Info("worker stopped cleanly")
	return nil
}

// newDeliveryStore returns the Postgres-backed store when DATABASE_URL is
// configured, otherwise an in-memory store. The durable attempt counter only
// survives worker restarts with a real database behind it.
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
