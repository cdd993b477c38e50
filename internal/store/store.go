// Package store persists delivery records for the notification pipeline.
// Records exist for observability and the status endpoint, not for
// correctness: the queue is the source of truth for undelivered work, so
// every store write in the hot path is best-effort and never blocks a
// delivery decision.
package store

import (
	"context"
	"errors"
	"time"
)

// RecordStatus is the lifecycle state of a delivery record.
type RecordStatus string

const (
	// StatusQueued: the message is durably stored in the broker.
	StatusQueued RecordStatus = "queued"

	// StatusDispatchedDirect: broker was down; direct dispatch succeeded.
	StatusDispatchedDirect RecordStatus = "dispatched_direct"

	// StatusDispatching: a worker is attempting delivery.
	StatusDispatching RecordStatus = "dispatching"

	// StatusDelivered: the gateway accepted the message.
	StatusDelivered RecordStatus = "delivered"

	// StatusRetrying: last attempt failed transiently; awaiting redelivery.
	StatusRetrying RecordStatus = "retrying"

	// StatusFailed: both enqueue and the fallback dispatch failed.
	StatusFailed RecordStatus = "failed"

	// StatusDeadLettered: attempts exhausted or payload poisonous; parked
	// on the dead-letter queue for operator intervention.
	StatusDeadLettered RecordStatus = "dead_letter"
)

// DeliveryRecord tracks one notification message through the pipeline,
// keyed by its message ID.
type DeliveryRecord struct {
	MessageID         string       `json:"message_id"`
	SubjectID         string       `json:"subject_id"`
	Status            RecordStatus `json:"status"`
	Attempts          int          `json:"attempts"`
	Reason            string       `json:"reason,omitempty"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// ErrNotFound is returned by Get when no record exists for the ID.
var ErrNotFound = errors.New("store: delivery record not found")

// DeliveryStore abstracts the delivery record persistence. Implementations:
// PostgresStore for deployments, MemoryStore for tests and local runs
// without a database.
type DeliveryStore interface {
	// Create inserts a new record. Idempotent on message ID: re-creating
	// an existing record leaves the original untouched.
	Create(ctx context.Context, rec *DeliveryRecord) error

	// SetStatus transitions a record, updating attempts, reason, and the
	// provider message ID (empty strings leave the previous values).
	SetStatus(ctx context.Context, messageID string, status RecordStatus, attempts int, reason, providerMessageID string) error

	// Get fetches a record by message ID; ErrNotFound when absent.
	Get(ctx context.Context, messageID string) (*DeliveryRecord, error)

	// Ping verifies the backing storage is reachable (health probe).
	Ping(ctx context.Context) error
}
