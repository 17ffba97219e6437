package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/ruche-ai/ruche/pkg/database"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health. Returns a minimal, safe response
// suitable for unauthenticated access; only the database is checked.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := &HealthResponse{Status: healthStatusHealthy}
	if s.cfg != nil {
		stats := s.cfg.Stats()
		resp.Configuration = ConfigurationStats{Tenants: stats.Tenants, Scenarios: stats.Scenarios}
	}
	if s.connManager != nil {
		resp.WSConnections = s.connManager.ActiveConnections()
	}

	httpStatus := http.StatusOK
	if s.db != nil {
		dbHealth, err := database.Health(reqCtx, s.db.DB())
		resp.Database = dbHealth
		if err != nil {
			resp.Status = healthStatusUnhealthy
			httpStatus = http.StatusServiceUnavailable
		}
	}

	return c.JSON(httpStatus, resp)
}
