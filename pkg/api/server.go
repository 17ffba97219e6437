// Package api exposes the HTTP surface of the fabric: ingress, session and
// subscription administration, the live WebSocket stream, health and metrics.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ruche-ai/ruche/pkg/config"
	"github.com/ruche-ai/ruche/pkg/database"
	"github.com/ruche-ai/ruche/pkg/events"
	"github.com/ruche-ai/ruche/pkg/metrics"
	"github.com/ruche-ai/ruche/pkg/services"
)

// Server is the HTTP server. All route handlers hang off it.
type Server struct {
	cfg           *config.Config
	db            *database.Client
	ingress       *services.IngressService
	sessions      *services.SessionService
	subscriptions *services.SubscriptionService
	connManager   *events.ConnectionManager
	metrics       *metrics.Metrics

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer creates the API server and registers its routes. db, connManager
// and metrics may be nil in tests; the corresponding routes then degrade.
func NewServer(
	cfg *config.Config,
	db *database.Client,
	ingress *services.IngressService,
	sessions *services.SessionService,
	subscriptions *services.SubscriptionService,
	connManager *events.ConnectionManager,
	m *metrics.Metrics,
) *Server {
	s := &Server{
		cfg:           cfg,
		db:            db,
		ingress:       ingress,
		sessions:      sessions,
		subscriptions: subscriptions,
		connManager:   connManager,
		metrics:       m,
	}
	s.echo = echo.New()
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	if s.metrics != nil {
		h := promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})
		e.GET("/metrics", func(c *echo.Context) error {
			h.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}
	e.GET("/ws", s.wsHandler)

	e.POST("/api/v1/messages", s.submitMessageHandler)

	e.GET("/api/v1/sessions/:key", s.getSessionHandler)
	e.GET("/api/v1/sessions/:key/history", s.sessionHistoryHandler)
	e.POST("/api/v1/sessions/:key/cancel", s.cancelSessionHandler)
	e.POST("/api/v1/sessions/:key/close", s.closeSessionHandler)
	e.GET("/api/v1/turns/:id", s.getTurnHandler)

	e.POST("/api/v1/webhooks", s.createSubscriptionHandler)
	e.GET("/api/v1/webhooks/:id", s.getSubscriptionHandler)
	e.POST("/api/v1/webhooks/:id/pause", s.pauseSubscriptionHandler)
	e.POST("/api/v1/webhooks/:id/resume", s.resumeSubscriptionHandler)
	e.POST("/api/v1/webhooks/:id/disable", s.disableSubscriptionHandler)
}

// Start serves on addr. Blocks until the listener fails or Shutdown is
// called; returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
