package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"lifeline/internal/config"
	"lifeline/internal/types"
)

func testMessage() *types.NotificationMessage {
	return &types.NotificationMessage{
		MessageID: "msg_test",
		SubjectID: "sos-1",
		Recipients: []types.Recipient{
			{Channel: types.ChannelSMS, Address: "+15551234567"},
		},
		Body:      "Help needed",
		CreatedAt: time.Now().UTC(),
	}
}

func newTestDispatcher(relayURL string) *RelayDispatcher {
	cfg := config.DispatchConfig{
		RelayURL:                   relayURL,
		Timeout:                    2 * time.Second,
		UserAgent:                  "Lifeline-Dispatch/test",
		BreakerConsecutiveFailures: 3,
		BreakerOpenTimeout:         time.Minute,
	}
	return NewRelayDispatcher(cfg, slog.Default())
}

func TestSend_Success(t *testing.T) {
	var received types.NotificationMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("relay received undecodable body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"status":     "sent",
			"message_id": "SM123",
		})
	}))
	defer srv.Close()

	d := newTestDispatcher(srv.URL)
	result, err := d.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Send returned unexpected error: %v", err)
	}

	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.ProviderMessageID != "SM123" {
		t.Errorf("expected provider message ID SM123, got %q", result.ProviderMessageID)
	}
	if received.SubjectID != "sos-1" || received.Body != "Help needed" {
		t.Errorf("relay saw mutated payload: %+v", received)
	}
}

func TestSend_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := newTestDispatcher(srv.URL)
	result, err := d.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Send returned unexpected error: %v", err)
	}

	if !result.Retryable() {
		t.Errorf("expected retryable failure for 502, got %+v", result)
	}
	if result.Reason != "upstream_502" {
		t.Errorf("expected reason upstream_502, got %q", result.Reason)
	}
}

func TestSend_BadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	d := newTestDispatcher(srv.URL)
	result, err := d.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Send returned unexpected error: %v", err)
	}

	if result.Status != types.DeliveryPermanentFailure {
		t.Errorf("expected permanent failure for 422, got %+v", result)
	}
}

func TestSend_ConnectionRefusedIsRetryable(t *testing.T) {
	// A server that is already closed guarantees connection refusal.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	d := newTestDispatcher(srv.URL)
	result, err := d.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Send returned unexpected error: %v", err)
	}

	if !result.Retryable() {
		t.Errorf("expected retryable failure for refused connection, got %+v", result)
	}
}

func TestSend_GatewayReportedFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "failed", "error": "carrier_timeout"})
	}))
	defer srv.Close()

	d := newTestDispatcher(srv.URL)
	result, err := d.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Send returned unexpected error: %v", err)
	}

	if !result.Retryable() {
		t.Errorf("expected retryable failure for gateway-reported failure, got %+v", result)
	}
	if result.Reason != "carrier_timeout" {
		t.Errorf("expected reason carrier_timeout, got %q", result.Reason)
	}
}

func TestSend_MakesExactlyOneAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := newTestDispatcher(srv.URL)
	if _, err := d.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send returned unexpected error: %v", err)
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("Send must make exactly one HTTP attempt, observed %d", got)
	}
}

func TestSend_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newTestDispatcher(srv.URL)

	// Trip the breaker (threshold 3), then one more call must be rejected
	// locally without touching the relay.
	for i := 0; i < 4; i++ {
		result, err := d.Send(context.Background(), testMessage())
		if err != nil {
			t.Fatalf("Send returned unexpected error on call %d: %v", i, err)
		}
		if !result.Retryable() {
			t.Fatalf("expected retryable failure on call %d, got %+v", i, result)
		}
	}

	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 relay calls before the breaker opened, observed %d", got)
	}

	last, err := d.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Send returned unexpected error: %v", err)
	}
	if last.Reason != "circuit_open" {
		t.Errorf("expected circuit_open reason, got %q", last.Reason)
	}
}
