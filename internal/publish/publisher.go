// Package publish converts notification requests into durable queue messages.
// When the broker is unreachable it falls back to a single direct dispatch,
// so a queue outage is never observed as a delivery failure while the relay
// is still up. The publisher never discards a notification: every call ends
// with the message durably queued, handed to the dispatcher, or an error
// surfaced to the caller.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lifeline/internal/dispatch"
	"lifeline/internal/store"
	"lifeline/internal/types"
)

// QueuePublisher is the narrow broker capability the publisher needs.
// Production code uses *broker.Conn.
type QueuePublisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Publisher implements the enqueue-or-dispatch state machine:
//
//	START -> try_enqueue
//	  enqueue_ok      -> ENQUEUED
//	  enqueue_fails   -> try_direct_dispatch
//	    dispatch_ok   -> DISPATCHED
//	    dispatch_fails -> FAILED
//
// Each publish call traverses the graph at most once; neither the broker nor
// the dispatcher is retried within a single call.
type Publisher struct {
	queue      QueuePublisher
	queueName  string
	dispatcher dispatch.Dispatcher
	deliveries store.DeliveryStore
	logger     *slog.Logger

	now func() time.Time
}

// New creates a Publisher. deliveries may be a MemoryStore when no database
// is configured.
func New(queue QueuePublisher, queueName string, dispatcher dispatch.Dispatcher, deliveries store.DeliveryStore, logger *slog.Logger) *Publisher {
	return &Publisher{
		queue:      queue,
		queueName:  queueName,
		dispatcher: dispatcher,
		deliveries: deliveries,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Publish stamps the message identity, stores it durably on the broker, and
// falls back to direct dispatch when the broker is unavailable. The returned
// outcome is the tagged terminal state; see types.PublishOutcome.
func (p *Publisher) Publish(ctx context.Context, msg *types.NotificationMessage) types.PublishOutcome {
	if err := msg.Validate(); err != nil {
		return types.PublishOutcome{
			State: types.PublishFailed,
			Err:   types.NewAppError(types.ErrCodeValidationNoRecipients, "invalid notification message", err),
		}
	}

	if msg.MessageID == "" {
		msg.MessageID = "ntf_" + uuid.NewString()
	}
	msg.CreatedAt = p.now()
	msg.AttemptCount = 0

	body, err := json.Marshal(msg)
	if err != nil {
		return types.PublishOutcome{
			State: types.PublishFailed,
			Err:   fmt.Errorf("publish: marshal message %s: %w", msg.MessageID, err),
		}
	}

	if err := p.queue.Publish(ctx, p.queueName, body); err != nil {
		// Degraded mode: the broker is down but the notification must not
		// be lost. Hand it to the dispatcher synchronously.
		p.logger.Warn("broker unavailable, falling back to direct dispatch",
			"message_id", msg.MessageID,
			"subject_id", msg.SubjectID,
			"error", err.Error(),
		)
		return p.dispatchDirect(ctx, msg, err)
	}

	p.record(ctx, msg, store.StatusQueued, "", "")

	p.logger.InfoContext(ctx, "notification enqueued",
		"message_id", msg.MessageID,
		"subject_id", msg.SubjectID,
		"queue", p.queueName,
		"recipients", len(msg.Recipients),
	)

	return types.PublishOutcome{State: types.PublishEnqueued}
}

// dispatchDirect makes the single fallback dispatch attempt.
func (p *Publisher) dispatchDirect(ctx context.Context, msg *types.NotificationMessage, brokerErr error) types.PublishOutcome {
	msg.AttemptCount = 1
	result, err := p.dispatcher.Send(ctx, msg)
	if err != nil {
		p.record(ctx, msg, store.StatusFailed, err.Error(), "")
		return types.PublishOutcome{
			State: types.PublishFailed,
			Err:   fmt.Errorf("publish: enqueue failed (%v) and fallback dispatch failed: %w", brokerErr, err),
		}
	}

	if result.Succeeded() {
		p.record(ctx, msg, store.StatusDispatchedDirect, "", result.ProviderMessageID)
		p.logger.InfoContext(ctx, "notification dispatched directly",
			"message_id", msg.MessageID,
			"subject_id", msg.SubjectID,
			"provider_message_id", result.ProviderMessageID,
		)
		return types.PublishOutcome{State: types.PublishDispatched, Delivery: result}
	}

	p.record(ctx, msg, store.StatusFailed, result.Reason, "")

	code := types.ErrCodeDispatchRetryable
	if result.Status == types.DeliveryPermanentFailure {
		code = types.ErrCodeDispatchPermanent
	}
	return types.PublishOutcome{
		State:    types.PublishFailed,
		Delivery: result,
		Err: types.NewAppError(code, "fallback dispatch failed",
			fmt.Errorf("enqueue failed (%v); dispatch: %s", brokerErr, result.Reason)),
	}
}

// record writes the delivery record best-effort; store failures are logged
// and never influence the publish outcome.
func (p *Publisher) record(ctx context.Context, msg *types.NotificationMessage, status store.RecordStatus, reason, providerMessageID string) {
	rec := &store.DeliveryRecord{
		MessageID:         msg.MessageID,
		SubjectID:         msg.SubjectID,
		Status:            status,
		Attempts:          msg.AttemptCount,
		Reason:            reason,
		ProviderMessageID: providerMessageID,
	}
	if err := p.deliveries.Create(ctx, rec); err != nil {
		p.logger.Error("failed to write delivery record",
			"message_id", msg.MessageID,
			"status", string(status),
			"error", err.Error(),
		)
	}
}
