// Package api is the HTTP surface of the notification service. It exposes a
// thin chi router over the publisher and the delivery record store; all
// delivery semantics live in the publish and worker packages, the handlers
// only translate between HTTP and the pipeline.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"lifeline/internal/config"
	"lifeline/internal/notify"
	"lifeline/internal/store"
	"lifeline/internal/types"
)

// NotificationPublisher is the pipeline entry point the handlers call.
// Production code uses *publish.Publisher.
type NotificationPublisher interface {
	Publish(ctx context.Context, msg *types.NotificationMessage) types.PublishOutcome
}

// Server holds the API dependencies and the router.
type Server struct {
	cfg        *config.Config
	publisher  NotificationPublisher
	deliveries store.DeliveryStore
	templates  *notify.Store
	probes     []HealthProbe
	validate   *validator.Validate
	logger     *slog.Logger

	router *chi.Mux
}

// NewServer wires the dependencies and mounts the routes. Probes are optional
// health checks surfaced by GET /health.
func NewServer(cfg *config.Config, publisher NotificationPublisher, deliveries store.DeliveryStore, logger *slog.Logger, probes ...HealthProbe) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("api: config must not be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("api: publisher must not be nil")
	}
	if deliveries == nil {
		return nil, fmt.Errorf("api: delivery store must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("api: logger must not be nil")
	}

	s := &Server{
		cfg:        cfg,
		publisher:  publisher,
		deliveries: deliveries,
		templates:  notify.NewStore(),
		probes:     probes,
		validate:   validator.New(),
		logger:     logger,
		router:     chi.NewRouter(),
	}
	s.mountRoutes()
	return s, nil
}

// Handler returns the router for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// mountRoutes registers the global middleware chain and all endpoints.
// Ordering: Recoverer outermost, then the soft request deadline, then the
// correlation ID so the logger can include it.
func (s *Server) mountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.cfg.Server.RequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.logger))

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/notifications/sos", s.HandleSendSOS)
		r.Get("/notifications/{notificationID}", s.HandleGetNotification)
	})

	s.router.Get("/health", s.HandleHealth)
}
