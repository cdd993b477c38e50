// Package types defines the shared domain types for the Lifeline notification
// pipeline: the queue message envelope, delivery and publish outcomes, and the
// application error taxonomy. It has no dependencies on other internal
// packages so every component can import it freely.
package types

import (
	"errors"
	"time"
)

// Channel identifies the delivery medium for a single recipient.
type Channel string

const (
	ChannelSMS  Channel = "sms"
	ChannelCall Channel = "call"
	ChannelPush Channel = "push"
)

// Valid reports whether the channel is one of the supported media.
func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelCall, ChannelPush:
		return true
	}
	return false
}

// Recipient is a single contact target: a delivery channel plus the
// channel-specific address (E.164 phone number for sms/call, device token
// for push).
type Recipient struct {
	Channel Channel `json:"channel"`
	Address string  `json:"address"`
}

// NotificationMessage is the unit of work flowing Publisher -> Broker ->
// Worker -> Dispatcher. It is the wire envelope stored durably in the queue;
// JSON tags use snake_case to stay compatible with the relay service.
//
// AttemptCount is carried in the payload rather than relying on broker
// redelivery metadata. A nack redelivers the original payload, so the worker
// reconciles this counter with the delivery record before each dispatch
// attempt; see the worker package.
type NotificationMessage struct {
	MessageID  string      `json:"message_id"`
	SubjectID  string      `json:"subject_id"`
	Recipients []Recipient `json:"recipients"`
	Body       string      `json:"body"`
	CreatedAt  time.Time   `json:"created_at"`

	// Mutable delivery state. Zero at publish time; incremented by the
	// Worker on every dispatch attempt.
	AttemptCount int `json:"attempt_count"`
}

// Validation errors for NotificationMessage.
var (
	ErrNoRecipients   = errors.New("notification message has no recipients")
	ErrEmptyBody      = errors.New("notification message has an empty body")
	ErrInvalidChannel = errors.New("notification recipient has an unsupported channel")
	ErrEmptyAddress   = errors.New("notification recipient has an empty address")
)

// Validate enforces the envelope invariants: at least one recipient, a
// non-empty body, and well-formed recipients. A message failing Validate is
// rejected before it ever reaches the Publisher.
func (m *NotificationMessage) Validate() error {
	if len(m.Recipients) == 0 {
		return ErrNoRecipients
	}
	if m.Body == "" {
		return ErrEmptyBody
	}
	for _, r := range m.Recipients {
		if !r.Channel.Valid() {
			return ErrInvalidChannel
		}
		if r.Address == "" {
			return ErrEmptyAddress
		}
	}
	return nil
}

// DeliveryStatus classifies the outcome of a single Dispatcher.Send call.
// The classification drives the worker's ack/nack decision: retryable
// failures are nacked back to the broker for redelivery, permanent failures
// are removed from circulation.
type DeliveryStatus string

const (
	DeliverySuccess          DeliveryStatus = "success"
	DeliveryRetryableFailure DeliveryStatus = "retryable_failure"
	DeliveryPermanentFailure DeliveryStatus = "permanent_failure"
)

// DeliveryResult is the classified outcome returned by the Dispatcher
// adapter. Reason is populated for failures; ProviderMessageID is the
// upstream gateway identifier when the relay reports one.
type DeliveryResult struct {
	Status            DeliveryStatus `json:"status"`
	Reason            string         `json:"reason,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
}

// Succeeded reports whether the delivery reached the gateway.
func (r *DeliveryResult) Succeeded() bool {
	return r != nil && r.Status == DeliverySuccess
}

// Retryable reports whether the failure is transient and worth redelivering.
func (r *DeliveryResult) Retryable() bool {
	return r != nil && r.Status == DeliveryRetryableFailure
}

// PublishState is the tagged terminal state of a single Publisher.Publish
// call. The explicit tag lets callers distinguish degraded-mode delivery
// (Dispatched) from normal queue delivery (Enqueued) for observability.
type PublishState string

const (
	// PublishEnqueued: the message is durably stored in the broker.
	PublishEnqueued PublishState = "enqueued"

	// PublishDispatched: the broker was unavailable and the message was
	// handed to the Dispatcher directly, which succeeded.
	PublishDispatched PublishState = "dispatched"

	// PublishFailed: both the broker and the fallback dispatch failed.
	PublishFailed PublishState = "failed"
)

// PublishOutcome is the result of Publisher.Publish. Exactly one of the
// following holds:
//   - State == PublishEnqueued: Delivery and Err are nil.
//   - State == PublishDispatched: Delivery carries the direct-dispatch result.
//   - State == PublishFailed: Err is non-nil; Delivery may carry the failed
//     dispatch classification when the fallback was reached.
type PublishOutcome struct {
	State    PublishState
	Delivery *DeliveryResult
	Err      error
}

// Delivered reports whether the notification reached either the broker or
// the gateway. This is the success signal surfaced to the originating
// request.
func (o PublishOutcome) Delivered() bool {
	return o.State == PublishEnqueued || o.State == PublishDispatched
}
