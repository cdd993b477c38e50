// Package worker implements the long-lived notification consumer. One worker
// holds one broker connection, processes strictly one message at a time, and
// drives every delivery to a terminal resolution (ack, nack-with-requeue, or
// dead-letter) before pulling the next. Multiple worker processes may consume
// the same queue; the broker load-balances between them.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"lifeline/internal/broker"
	"lifeline/internal/config"
	"lifeline/internal/dispatch"
	"lifeline/internal/store"
	"lifeline/internal/types"
)

// QueueConsumer is the broker capability the worker needs: a prefetch-1
// delivery stream plus publish access for dead-lettering. Production code
// uses *broker.Conn.
type QueueConsumer interface {
	Consume(queue string) (<-chan broker.Delivery, error)
	Publish(ctx context.Context, queue string, body []byte) error
}

// Worker consumes notification messages and dispatches them via the relay.
type Worker struct {
	consumer   QueueConsumer
	dispatcher dispatch.Dispatcher
	deliveries store.DeliveryStore
	cfg        config.BrokerConfig
	logger     *slog.Logger

	sleep func(ctx context.Context, d time.Duration) // overridable in tests
}

// New creates a Worker over an already-constructed broker connection.
func New(consumer QueueConsumer, dispatcher dispatch.Dispatcher, deliveries store.DeliveryStore, cfg config.BrokerConfig, logger *slog.Logger) *Worker {
	return &Worker{
		consumer:   consumer,
		dispatcher: dispatcher,
		deliveries: deliveries,
		cfg:        cfg,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// Run blocks consuming the queue until ctx is cancelled. A dropped consume
// stream triggers reconnection with capped exponential backoff. On
// cancellation the worker stops pulling new messages; the message currently
// being processed is always driven to ack or nack first.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting", "queue", w.cfg.Queue, "max_attempts", w.cfg.MaxAttempts)

	delay := w.cfg.ReconnectMinDelay
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}

		deliveries, err := w.consumer.Consume(w.cfg.Queue)
		if err != nil {
			w.logger.Error("failed to open consume stream, will retry",
				"queue", w.cfg.Queue,
				"retry_in", delay.String(),
				"error", err.Error(),
			)
			w.sleep(ctx, delay)
			delay *= 2
			if delay > w.cfg.ReconnectMaxDelay {
				delay = w.cfg.ReconnectMaxDelay
			}
			continue
		}

		delay = w.cfg.ReconnectMinDelay
		w.drain(ctx, deliveries)
	}
}

// drain processes deliveries until the stream closes (connection drop) or
// ctx is cancelled.
func (w *Worker) drain(ctx context.Context, deliveries <-chan broker.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				w.logger.Warn("consume stream closed, reconnecting")
				return
			}
			w.handle(ctx, d)
		}
	}
}

// handle drives a single delivery to a terminal resolution. Errors never
// escape: every branch ends in ack, nack-with-requeue, or reject.
func (w *Worker) handle(ctx context.Context, d broker.Delivery) {
	// The in-flight message must finish even if shutdown begins mid-dispatch.
	ctx = context.WithoutCancel(ctx)

	var msg types.NotificationMessage
	if err := json.Unmarshal(d.Body(), &msg); err != nil {
		// Corrupt payload: redelivery can never succeed. Park the raw bytes
		// on the DLQ for inspection instead of looping.
		w.logger.Error("undecodable message, dead-lettering raw payload", "error", err.Error())
		if dlqErr := w.consumer.Publish(ctx, w.cfg.DLQName(), d.Body()); dlqErr != nil {
			w.logger.Error("dead-letter publish failed, dropping corrupt message", "error", dlqErr.Error())
			w.resolve(d.Reject, "reject")
			return
		}
		w.resolve(d.Ack, "ack")
		return
	}

	// The broker redelivers the original payload on nack, so the payload
	// counter alone cannot survive a requeue cycle. The delivery record
	// carries the durable attempt count; take whichever is further along.
	if rec, err := w.deliveries.Get(ctx, msg.MessageID); err == nil && rec.Attempts > msg.AttemptCount {
		msg.AttemptCount = rec.Attempts
	}
	msg.AttemptCount++

	logger := w.logger.With(
		"message_id", msg.MessageID,
		"subject_id", msg.SubjectID,
		"attempt", msg.AttemptCount,
	)

	w.record(ctx, &msg, store.StatusDispatching, "", "")

	result, err := w.dispatcher.Send(ctx, &msg)
	if err != nil {
		// Send only errors when the request cannot be built; retrying the
		// identical message cannot help.
		logger.Error("dispatch unbuildable, dead-lettering", "error", err.Error())
		w.deadLetter(ctx, d, &msg, "dispatch_unbuildable", logger)
		return
	}

	switch {
	case result.Succeeded():
		w.resolve(d.Ack, "ack")
		w.record(ctx, &msg, store.StatusDelivered, "", result.ProviderMessageID)
		logger.Info("notification delivered", "provider_message_id", result.ProviderMessageID)

	case result.Retryable() && msg.AttemptCount < w.cfg.MaxAttempts:
		w.record(ctx, &msg, store.StatusRetrying, result.Reason, "")
		w.resolve(d.NackRequeue, "nack")
		logger.Warn("dispatch failed, requeued for redelivery",
			"reason", result.Reason,
			"max_attempts", w.cfg.MaxAttempts,
		)

	case result.Retryable():
		logger.Error("attempt cap reached, dead-lettering", "reason", result.Reason)
		w.deadLetter(ctx, d, &msg, "max_attempts_exceeded: "+result.Reason, logger)

	default: // permanent failure
		logger.Error("permanent dispatch failure, dead-lettering", "reason", result.Reason)
		w.deadLetter(ctx, d, &msg, result.Reason, logger)
	}
}

// deadLetter parks the message on the DLQ and removes it from normal
// circulation. The original delivery is acked only after the DLQ publish
// succeeds, so the message is never lost in between; if the DLQ itself is
// unreachable the message is requeued and the cap check will route it back
// here on the next delivery.
func (w *Worker) deadLetter(ctx context.Context, d broker.Delivery, msg *types.NotificationMessage, reason string, logger *slog.Logger) {
	body, err := json.Marshal(msg)
	if err != nil {
		body = d.Body()
	}

	if err := w.consumer.Publish(ctx, w.cfg.DLQName(), body); err != nil {
		logger.Error("dead-letter publish failed, requeueing", "error", err.Error())
		w.resolve(d.NackRequeue, "nack")
		return
	}

	w.resolve(d.Ack, "ack")
	w.record(ctx, msg, store.StatusDeadLettered, reason, "")
	logger.Warn("message dead-lettered", "dlq", w.cfg.DLQName(), "reason", reason)
}

// resolve invokes an ack/nack/reject function and logs the broker error if
// the resolution itself fails (the broker will redeliver unresolved
// messages once the channel drops, so this is observational only).
func (w *Worker) resolve(fn func() error, op string) {
	if err := fn(); err != nil {
		w.logger.Error("failed to resolve delivery", "op", op, "error", err.Error())
	}
}

// record updates the delivery record best-effort. When the record is missing
// (the publisher's store write failed) it is created instead, so the durable
// attempt counter still accumulates.
func (w *Worker) record(ctx context.Context, msg *types.NotificationMessage, status store.RecordStatus, reason, providerMessageID string) {
	err := w.deliveries.SetStatus(ctx, msg.MessageID, status, msg.AttemptCount, reason, providerMessageID)
	if errors.Is(err, store.ErrNotFound) {
		err = w.deliveries.Create(ctx, &store.DeliveryRecord{
			MessageID:         msg.MessageID,
			SubjectID:         msg.SubjectID,
			Status:            status,
			Attempts:          msg.AttemptCount,
			Reason:            reason,
			ProviderMessageID: providerMessageID,
		})
	}
	if err != nil {
		w.logger.Error("failed to update delivery record",
			"message_id", msg.MessageID,
			"status", string(status),
			"error", err.Error(),
		)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
