package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades HTTP connections to WebSocket and delegates to
// ConnectionManager. The origin allowlist comes from system configuration;
// an empty list means same-origin only.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(503, "WebSocket not available")
	}

	opts := &websocket.AcceptOptions{}
	if s.cfg != nil {
		opts.OriginPatterns = s.cfg.System.AllowedWSOrigins
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request().Context(), conn)
	return nil
}
