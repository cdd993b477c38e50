package publish

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"lifeline/internal/store"
	"lifeline/internal/types"
)

// --- Mocks ---

// mockQueue captures Publish calls and fails on demand.
type mockQueue struct {
	published [][]byte
	err       error
}

func (m *mockQueue) Publish(_ context.Context, _ string, body []byte) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, body)
	return nil
}

// mockDispatcher records Send calls and returns a canned result.
type mockDispatcher struct {
	calls  int
	result *types.DeliveryResult
	err    error
}

func (m *mockDispatcher) Send(_ context.Context, _ *types.NotificationMessage) (*types.DeliveryResult, error) {
	m.calls++
	return m.result, m.err
}

// --- Helpers ---

func validMessage() *types.NotificationMessage {
	return &types.NotificationMessage{
		SubjectID: "sos-1",
		Recipients: []types.Recipient{
			{Channel: types.ChannelSMS, Address: "+15551234567"},
		},
		Body: "Help needed",
	}
}

func newTestPublisher(q *mockQueue, d *mockDispatcher) (*Publisher, *store.MemoryStore) {
	st := store.NewMemoryStore()
	p := New(q, "notifications", d, st, slog.Default())
	p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return p, st
}

// --- Tests ---

func TestPublish_EnqueuesWhenBrokerReachable(t *testing.T) {
	q := &mockQueue{}
	d := &mockDispatcher{result: &types.DeliveryResult{Status: types.DeliverySuccess}}
	p, st := newTestPublisher(q, d)

	msg := validMessage()
	outcome := p.Publish(context.Background(), msg)

	if outcome.State != types.PublishEnqueued {
		t.Fatalf("expected Enqueued, got %s (err=%v)", outcome.State, outcome.Err)
	}
	if !outcome.Delivered() {
		t.Error("Enqueued outcome must report delivered")
	}
	if d.calls != 0 {
		t.Errorf("dispatcher must not be called when the broker is reachable, saw %d calls", d.calls)
	}
	if len(q.published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(q.published))
	}

	// The queued payload carries the stamped identity and zero attempts.
	var queued types.NotificationMessage
	if err := json.Unmarshal(q.published[0], &queued); err != nil {
		t.Fatalf("queued payload undecodable: %v", err)
	}
	if queued.MessageID == "" || queued.CreatedAt.IsZero() {
		t.Errorf("payload missing stamped identity: %+v", queued)
	}
	if queued.AttemptCount != 0 {
		t.Errorf("payload attempt count must start at 0, got %d", queued.AttemptCount)
	}
	if queued.SubjectID != "sos-1" || queued.Body != "Help needed" {
		t.Errorf("semantic payload mutated: %+v", queued)
	}

	rec, err := st.Get(context.Background(), msg.MessageID)
	if err != nil {
		t.Fatalf("expected delivery record, got %v", err)
	}
	if rec.Status != store.StatusQueued {
		t.Errorf("expected record status queued, got %s", rec.Status)
	}
}

func TestPublish_FallsBackToDirectDispatch(t *testing.T) {
	q := &mockQueue{err: errors.New("connection refused")}
	d := &mockDispatcher{result: &types.DeliveryResult{Status: types.DeliverySuccess, ProviderMessageID: "SM1"}}
	p, st := newTestPublisher(q, d)

	msg := validMessage()
	outcome := p.Publish(context.Background(), msg)

	if outcome.State != types.PublishDispatched {
		t.Fatalf("expected Dispatched, got %s (err=%v)", outcome.State, outcome.Err)
	}
	if d.calls != 1 {
		t.Errorf("fallback must call the dispatcher exactly once, saw %d calls", d.calls)
	}
	if len(q.published) != 0 {
		t.Error("no message must reach the queue when the broker is down")
	}
	if outcome.Delivery == nil || outcome.Delivery.ProviderMessageID != "SM1" {
		t.Errorf("outcome must carry the dispatch result: %+v", outcome.Delivery)
	}

	rec, err := st.Get(context.Background(), msg.MessageID)
	if err != nil {
		t.Fatalf("expected delivery record, got %v", err)
	}
	if rec.Status != store.StatusDispatchedDirect {
		t.Errorf("expected record status dispatched_direct, got %s", rec.Status)
	}
}

func TestPublish_FailsWhenBothPathsFail(t *testing.T) {
	q := &mockQueue{err: errors.New("connection refused")}
	d := &mockDispatcher{result: &types.DeliveryResult{
		Status: types.DeliveryRetryableFailure,
		Reason: "relay_unreachable",
	}}
	p, st := newTestPublisher(q, d)

	msg := validMessage()
	outcome := p.Publish(context.Background(), msg)

	if outcome.State != types.PublishFailed {
		t.Fatalf("expected Failed, got %s", outcome.State)
	}
	if outcome.Err == nil {
		t.Fatal("failed outcome must carry an error")
	}
	if d.calls != 1 {
		t.Errorf("fallback must attempt dispatch exactly once, saw %d calls", d.calls)
	}

	var appErr *types.AppError
	if !errors.As(outcome.Err, &appErr) {
		t.Fatalf("expected AppError, got %T", outcome.Err)
	}
	if appErr.Code != types.ErrCodeDispatchRetryable {
		t.Errorf("expected code %s, got %s", types.ErrCodeDispatchRetryable, appErr.Code)
	}

	rec, err := st.Get(context.Background(), msg.MessageID)
	if err != nil {
		t.Fatalf("expected delivery record, got %v", err)
	}
	if rec.Status != store.StatusFailed {
		t.Errorf("expected record status failed, got %s", rec.Status)
	}
}

func TestPublish_DispatcherErrorSurfacesAsFailed(t *testing.T) {
	q := &mockQueue{err: errors.New("connection refused")}
	d := &mockDispatcher{err: errors.New("marshal failure")}
	p, _ := newTestPublisher(q, d)

	outcome := p.Publish(context.Background(), validMessage())

	if outcome.State != types.PublishFailed {
		t.Fatalf("expected Failed, got %s", outcome.State)
	}
	if outcome.Err == nil {
		t.Fatal("failed outcome must carry an error")
	}
}

func TestPublish_RejectsInvalidMessageWithoutSideEffects(t *testing.T) {
	q := &mockQueue{}
	d := &mockDispatcher{result: &types.DeliveryResult{Status: types.DeliverySuccess}}
	p, _ := newTestPublisher(q, d)

	msg := validMessage()
	msg.Recipients = nil

	outcome := p.Publish(context.Background(), msg)

	if outcome.State != types.PublishFailed {
		t.Fatalf("expected Failed for invalid message, got %s", outcome.State)
	}
	if len(q.published) != 0 || d.calls != 0 {
		t.Error("invalid messages must reach neither the queue nor the dispatcher")
	}
	if !errors.Is(outcome.Err, types.ErrNoRecipients) {
		t.Errorf("expected ErrNoRecipients in chain, got %v", outcome.Err)
	}
}

func TestPublish_PreservesCallerMessageID(t *testing.T) {
	q := &mockQueue{}
	d := &mockDispatcher{}
	p, _ := newTestPublisher(q, d)

	msg := validMessage()
	msg.MessageID = "ntf_fixed"

	if outcome := p.Publish(context.Background(), msg); outcome.State != types.PublishEnqueued {
		t.Fatalf("expected Enqueued, got %s", outcome.State)
	}
	if msg.MessageID != "ntf_fixed" {
		t.Errorf("caller-provided message ID must be preserved, got %q", msg.MessageID)
	}
}
