package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/ruche-ai/ruche/pkg/models"
)

// submitMessageHandler handles POST /api/v1/messages. Accepts one normalized
// envelope and returns immediately; processing happens on the scheduler.
func (s *Server) submitMessageHandler(c *echo.Context) error {
	var msg models.RawMessage
	if err := c.Bind(&msg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := s.ingress.Submit(c.Request().Context(), &msg)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusAccepted, result)
}
