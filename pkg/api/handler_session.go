package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/ruche-ai/ruche/pkg/models"
)

// sessionKeyParam extracts and validates the :key path parameter.
func sessionKeyParam(c *echo.Context) (models.SessionKey, *echo.HTTPError) {
	key := models.SessionKey(c.Param("key"))
	if key == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "session key is required")
	}
	if _, _, _, _, err := key.Parts(); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "malformed session key")
	}
	return key, nil
}

// getSessionHandler handles GET /api/v1/sessions/:key.
func (s *Server) getSessionHandler(c *echo.Context) error {
	key, httpErr := sessionKeyParam(c)
	if httpErr != nil {
		return httpErr
	}

	state, err := s.sessions.Get(c.Request().Context(), key)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, state)
}

// sessionHistoryHandler handles GET /api/v1/sessions/:key/history.
func (s *Server) sessionHistoryHandler(c *echo.Context) error {
	key, httpErr := sessionKeyParam(c)
	if httpErr != nil {
		return httpErr
	}

	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1-1000")
		}
		limit = n
	}

	evts, err := s.sessions.History(c.Request().Context(), key, limit)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &HistoryResponse{SessionKey: key, Events: evts})
}

// cancelSessionHandler handles POST /api/v1/sessions/:key/cancel. Requests
// cooperative cancellation of the session's active turn; a turn past its
// commit point refuses.
func (s *Server) cancelSessionHandler(c *echo.Context) error {
	key, httpErr := sessionKeyParam(c)
	if httpErr != nil {
		return httpErr
	}

	turnID, accepted, err := s.sessions.Cancel(c.Request().Context(), key)
	if err != nil {
		return mapServiceError(err)
	}

	resp := &CancelResponse{LogicalTurnID: turnID, Accepted: accepted}
	if accepted {
		resp.Message = "Turn cancellation requested"
	} else {
		resp.Message = "Turn is past its commit point and will complete"
	}
	return c.JSON(http.StatusOK, resp)
}

// closeSessionHandler handles POST /api/v1/sessions/:key/close.
func (s *Server) closeSessionHandler(c *echo.Context) error {
	key, httpErr := sessionKeyParam(c)
	if httpErr != nil {
		return httpErr
	}

	if err := s.sessions.Close(c.Request().Context(), key); err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "closed"})
}

// getTurnHandler handles GET /api/v1/turns/:id.
func (s *Server) getTurnHandler(c *echo.Context) error {
	turnID := c.Param("id")
	if turnID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "turn id is required")
	}

	turn, err := s.sessions.GetTurn(c.Request().Context(), turnID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, turn)
}
