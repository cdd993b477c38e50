// Package dispatch is the anti-corruption layer between the notification
// pipeline and the delivery relay service (which forwards to the third-party
// SMS/voice gateway). All outbound calls go through a circuit breaker and a
// bounded timeout, and every outcome is classified as success, retryable
// failure, or permanent failure. The classification drives the worker's
// ack/nack decision and the publisher's fallback result.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"lifeline/internal/config"
	"lifeline/internal/types"
)

// Dispatcher is the synchronous delivery capability: it hands a notification
// to the relay and reports the classified outcome.
//
// Send makes at most one delivery attempt per call. Retries are the broker's
// job (nack/redelivery), never the adapter's: the publisher fallback contract
// requires exactly one dispatch attempt per publish call.
type Dispatcher interface {
	Send(ctx context.Context, msg *types.NotificationMessage) (*types.DeliveryResult, error)
}

// relayResponse is the JSON body returned by the relay service.
type relayResponse struct {
	Status            string `json:"status"`
	ProviderMessageID string `json:"message_id,omitempty"`
	Error             string `json:"error,omitempty"`
}

// RelayDispatcher implements Dispatcher over HTTP. The embedded circuit
// breaker opens after consecutive upstream failures so a dead gateway does
// not tie up every worker and request goroutine for a full timeout each.
type RelayDispatcher struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	cfg     config.DispatchConfig
	logger  *slog.Logger
}

// NewRelayDispatcher builds a RelayDispatcher from config. The http.Client
// timeout bounds the whole call including body read.
func NewRelayDispatcher(cfg config.DispatchConfig, logger *slog.Logger) *RelayDispatcher {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "dispatch-relay",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerConsecutiveFailures)
		},
	})

	return &RelayDispatcher{
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: cb,
		cfg:     cfg,
		logger:  logger,
	}
}

// Send posts the message to the relay and classifies the outcome.
//
// A non-nil error is returned only when the request could not be constructed
// at all (marshal failure); callers treat that as permanent. Every other
// outcome, including transport errors and an open breaker, is reported
// through the DeliveryResult classification with a nil error.
func (d *RelayDispatcher) Send(ctx context.Context, msg *types.NotificationMessage) (*types.DeliveryResult, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal message %s: %w", msg.MessageID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.RelayURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dispatch: build request for %s: %w", msg.MessageID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	if traceID := types.GetRequestID(ctx); traceID != "" {
		req.Header.Set("X-Request-Id", traceID)
	}

	resp, err := d.breaker.Execute(func() (*http.Response, error) {
		r, doErr := d.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		// 5xx and 429 count against the breaker.
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})
	if err != nil {
		return d.classifyError(msg, resp, err), nil
	}
	defer resp.Body.Close()

	return d.classifyResponse(msg, resp), nil
}

// classifyError maps transport-level and breaker failures to a retryable
// DeliveryResult. resp is non-nil when the breaker error carries the
// offending 5xx/429 response.
func (d *RelayDispatcher) classifyError(msg *types.NotificationMessage, resp *http.Response, err error) *types.DeliveryResult {
	if resp != nil {
		resp.Body.Close()
	}

	reason := "relay_unreachable"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		reason = "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	case resp != nil:
		reason = fmt.Sprintf("upstream_%d", resp.StatusCode)
	}

	d.logger.Warn("dispatch failed",
		"message_id", msg.MessageID,
		"subject_id", msg.SubjectID,
		"reason", reason,
		"error", err.Error(),
	)

	// Timeouts, connection failures, 5xx, 429, and an open breaker are all
	// transient from the pipeline's point of view.
	return &types.DeliveryResult{
		Status: types.DeliveryRetryableFailure,
		Reason: reason,
	}
}

// classifyResponse maps a completed HTTP exchange (status < 500, not 429) to
// a DeliveryResult.
func (d *RelayDispatcher) classifyResponse(msg *types.NotificationMessage, resp *http.Response) *types.DeliveryResult {
	// 408 slips through the breaker filter but is still transient.
	if resp.StatusCode == http.StatusRequestTimeout {
		return &types.DeliveryResult{
			Status: types.DeliveryRetryableFailure,
			Reason: "upstream_408",
		}
	}

	// Remaining 4xx: the relay rejected the request itself (malformed
	// payload, bad recipient). Retrying the identical payload cannot help.
	if resp.StatusCode >= 400 {
		return &types.DeliveryResult{
			Status: types.DeliveryPermanentFailure,
			Reason: fmt.Sprintf("upstream_%d", resp.StatusCode),
		}
	}

	var relay relayResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&relay); err != nil {
		// A 2xx with an unreadable body: assume the relay accepted it but
		// report the parse problem for observability.
		d.logger.Warn("dispatch response unparseable, assuming accepted",
			"message_id", msg.MessageID,
			"error", err.Error(),
		)
		return &types.DeliveryResult{Status: types.DeliverySuccess}
	}

	switch relay.Status {
	case "sent", "delivered", "queued", "initiated":
		d.logger.Info("dispatch succeeded",
			"message_id", msg.MessageID,
			"subject_id", msg.SubjectID,
			"provider_message_id", relay.ProviderMessageID,
		)
		return &types.DeliveryResult{
			Status:            types.DeliverySuccess,
			ProviderMessageID: relay.ProviderMessageID,
		}
	default:
		// The relay answered 2xx but the gateway reported a non-terminal
		// send failure; the original pipeline requeues these.
		reason := "gateway_status_" + relay.Status
		if relay.Error != "" {
			reason = relay.Error
		}
		return &types.DeliveryResult{
			Status: types.DeliveryRetryableFailure,
			Reason: reason,
		}
	}
}
