package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lifeline/internal/types"
)

type fakeProbe struct {
	name string
	err  error
}

func (f fakeProbe) Name() string                  { return f.name }
func (f fakeProbe) Check(_ context.Context) error { return f.err }

type fakeConnState struct{ connected bool }

func (f fakeConnState) Connected() bool { return f.connected }

func getHealth(t *testing.T, s *Server) (*httptest.ResponseRecorder, healthResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return rr, resp
}

func TestHandleHealth_AllHealthy(t *testing.T) {
	pub := &mockPublisher{outcome: types.PublishOutcome{State: types.PublishEnqueued}}
	s, _ := newTestServer(t, pub,
		fakeProbe{name: "broker"},
		fakeProbe{name: "store"},
	)

	rr, resp := getHealth(t, s)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "healthy", resp.Components["broker"].Status)
	assert.Equal(t, "healthy", resp.Components["store"].Status)
}

func TestHandleHealth_UnhealthyProbe(t *testing.T) {
	pub := &mockPublisher{outcome: types.PublishOutcome{State: types.PublishEnqueued}}
	s, _ := newTestServer(t, pub,
		fakeProbe{name: "broker", err: errors.New("connection refused")},
		fakeProbe{name: "store"},
	)

	rr, resp := getHealth(t, s)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "unhealthy", resp.Components["broker"].Status)
	assert.Equal(t, "connection refused", resp.Components["broker"].Message)
	assert.Equal(t, "healthy", resp.Components["store"].Status)
}

func TestHandleHealth_NoProbes(t *testing.T) {
	pub := &mockPublisher{outcome: types.PublishOutcome{State: types.PublishEnqueued}}
	s, _ := newTestServer(t, pub)

	rr, resp := getHealth(t, s)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", resp.Status)
	assert.Empty(t, resp.Components)
}

func TestBrokerProbe(t *testing.T) {
	up := BrokerProbe{Conn: fakeConnState{connected: true}}
	assert.NoError(t, up.Check(context.Background()))

	down := BrokerProbe{Conn: fakeConnState{connected: false}}
	assert.Error(t, down.Check(context.Background()))
}
