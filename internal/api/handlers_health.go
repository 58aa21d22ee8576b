// handlers_health.go - Aggregate node health handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/plasma-predict/orchestrator/internal/health"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	prober  *health.Prober
	version string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(prober *health.Prober, version string) HealthHandler {
	return &HealthHandlerImpl{prober: prober, version: version}
}

// HandleHealth probes every registered node and reports availability.
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	report := h.prober.Check(c.Request().Context())

	return c.JSON(http.StatusOK, map[string]any{
		"serverStatus":    "ok",
		"version":         h.version,
		"timestamp":       report.Timestamp,
		"models":          report.Models,
		"availableModels": report.AvailableModels,
	})
}
