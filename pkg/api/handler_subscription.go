package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/ruche-ai/ruche/pkg/services"
)

// createSubscriptionHandler handles POST /api/v1/webhooks. The subscription
// is returned pending when the endpoint failed the challenge; it can be
// activated later with /resume once the endpoint answers.
func (s *Server) createSubscriptionHandler(c *echo.Context) error {
	var req CreateSubscriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sub, err := s.subscriptions.Create(c.Request().Context(), services.CreateInput{
		TenantID:      req.TenantID,
		URL:           req.URL,
		Secret:        req.Secret,
		EventPatterns: req.EventPatterns,
		AgentIDs:      req.AgentIDs,
		TimeoutMs:     req.TimeoutMs,
		MaxRetries:    req.MaxRetries,
	})
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusCreated, sub)
}

// getSubscriptionHandler handles GET /api/v1/webhooks/:id.
func (s *Server) getSubscriptionHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subscription id is required")
	}

	sub, err := s.subscriptions.Get(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, sub)
}

// pauseSubscriptionHandler handles POST /api/v1/webhooks/:id/pause.
func (s *Server) pauseSubscriptionHandler(c *echo.Context) error {
	return s.setSubscriptionStatus(c, s.subscriptions.Pause, "paused")
}

// resumeSubscriptionHandler handles POST /api/v1/webhooks/:id/resume.
func (s *Server) resumeSubscriptionHandler(c *echo.Context) error {
	return s.setSubscriptionStatus(c, s.subscriptions.Resume, "active")
}

// disableSubscriptionHandler handles POST /api/v1/webhooks/:id/disable.
func (s *Server) disableSubscriptionHandler(c *echo.Context) error {
	return s.setSubscriptionStatus(c, s.subscriptions.Disable, "disabled")
}

func (s *Server) setSubscriptionStatus(c *echo.Context, op func(context.Context, string) error, status string) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subscription id is required")
	}
	if err := op(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"id": id, "status": status})
}
