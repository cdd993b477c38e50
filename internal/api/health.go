package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"lifeline/internal/store"
)

// healthCheckTimeout bounds the total time the health endpoint spends on
// probes before reporting the stragglers as unhealthy.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is a subsystem health check surfaced by GET /health.
type HealthProbe interface {
	// Name identifies the probe in the response body (e.g. "broker").
	Name() string

	// Check returns an error when the subsystem is unhealthy. It must
	// respect the context deadline.
	Check(ctx context.Context) error
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs all probes concurrently under a short deadline. 200 when
// every probe passes, 503 otherwise. Probes that miss the deadline count as
// unhealthy. The endpoint is public.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if len(s.probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	results := make([]error, len(s.probes))
	var wg sync.WaitGroup
	for i, probe := range s.probes {
		wg.Add(1)
		go func(i int, p HealthProbe) {
			defer wg.Done()
			defer func() {
				if rvr := recover(); rvr != nil {
					results[i] = fmt.Errorf("probe panicked: %v", rvr)
				}
			}()
			results[i] = p.Check(ctx)
		}(i, probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timedOut := false
	select {
	case <-done:
	case <-ctx.Done():
		timedOut = true
	}

	components := make(map[string]componentStatus, len(s.probes))
	allHealthy := true
	for i, probe := range s.probes {
		switch {
		case timedOut:
			// Results may still be racing in; report the deadline instead of
			// reading them.
			allHealthy = false
			components[probe.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case results[i] != nil:
			allHealthy = false
			components[probe.Name()] = componentStatus{Status: "unhealthy", Message: results[i].Error()}
		default:
			components[probe.Name()] = componentStatus{Status: "healthy"}
		}
	}

	resp := healthResponse{Status: "healthy", Components: components}
	if !allHealthy {
		resp.Status = "unhealthy"
		JSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	JSON(w, r, http.StatusOK, resp)
}

// BrokerProbe reports the broker connection state.
type BrokerProbe struct {
	Conn interface{ Connected() bool }
}

func (p BrokerProbe) Name() string { return "broker" }

func (p BrokerProbe) Check(ctx context.Context) error {
	if !p.Conn.Connected() {
		return fmt.Errorf("broker connection is down")
	}
	return nil
}

// StoreProbe pings the delivery record store.
type StoreProbe struct {
	Store store.DeliveryStore
}

func (p StoreProbe) Name() string { return "store" }

func (p StoreProbe) Check(ctx context.Context) error {
	return p.Store.Ping(ctx)
}
