// handlers_config.go - Node registry and timeout CRUD handlers
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/plasma-predict/orchestrator/internal/models"
	"github.com/plasma-predict/orchestrator/internal/registry"
)

// ConfigHandlerImpl implements the ConfigHandler interface
type ConfigHandlerImpl struct {
	reg *registry.Registry
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(reg *registry.Registry) ConfigHandler {
	return &ConfigHandlerImpl{reg: reg}
}

// HandleListModels returns the full registry snapshot.
func (h *ConfigHandlerImpl) HandleListModels(c echo.Context) error {
	return c.JSON(http.StatusOK, h.reg.List())
}

// HandleUpsertModel creates or replaces a node descriptor.
func (h *ConfigHandlerImpl) HandleUpsertModel(c echo.Context) error {
	var node models.NodeDescriptor
	if err := c.Bind(&node); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if node.Key == "" {
		return NewValidationError("key")
	}

	if err := h.reg.Upsert(node); err != nil {
		return NewInternalError("failed to store node", err)
	}
	return c.JSON(http.StatusOK, h.reg.List())
}

// HandleDeleteModel removes a node descriptor.
func (h *ConfigHandlerImpl) HandleDeleteModel(c echo.Context) error {
	key := c.Param("key")
	if key == "" {
		return NewValidationError("key")
	}

	if err := h.reg.Delete(key); err != nil {
		return NewNotFoundError("node", key)
	}
	return c.JSON(http.StatusOK, h.reg.List())
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// HandleSetModelEnabled toggles a node.
func (h *ConfigHandlerImpl) HandleSetModelEnabled(c echo.Context) error {
	key := c.Param("key")
	if key == "" {
		return NewValidationError("key")
	}

	var req setEnabledRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}

	if err := h.reg.SetEnabled(key, req.Enabled); err != nil {
		return NewNotFoundError("node", key)
	}
	return c.JSON(http.StatusOK, h.reg.List())
}

type timeoutsDTO struct {
	ModelMs    int64 `json:"modelMs"`
	TrainingMs int64 `json:"trainingMs"`
}

// HandleGetTimeouts returns the current outbound timeouts.
func (h *ConfigHandlerImpl) HandleGetTimeouts(c echo.Context) error {
	t := h.reg.Timeouts()
	return c.JSON(http.StatusOK, timeoutsDTO{
		ModelMs:    t.Model.Milliseconds(),
		TrainingMs: t.Training.Milliseconds(),
	})
}

// HandleUpdateTimeouts updates the outbound timeouts; zero fields keep
// their current value.
func (h *ConfigHandlerImpl) HandleUpdateTimeouts(c echo.Context) error {
	var req timeoutsDTO
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if req.ModelMs < 0 || req.TrainingMs < 0 {
		return NewBadRequestError("timeouts must be non-negative", nil)
	}

	t := h.reg.SetTimeouts(registry.Timeouts{
		Model:    time.Duration(req.ModelMs) * time.Millisecond,
		Training: time.Duration(req.TrainingMs) * time.Millisecond,
	})
	return c.JSON(http.StatusOK, timeoutsDTO{
		ModelMs:    t.Model.Milliseconds(),
		TrainingMs: t.Training.Milliseconds(),
	})
}
