package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/ruche-ai/ruche/pkg/services"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrPayloadTooLarge) {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "envelope exceeds the size cap")
	}
	if errors.Is(err, services.ErrIdentityConflict) {
		return echo.NewHTTPError(http.StatusConflict, "channel identity belongs to another interlocutor")
	}
	if errors.Is(err, services.ErrConcurrentModification) {
		return echo.NewHTTPError(http.StatusConflict, "resource was modified concurrently")
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
