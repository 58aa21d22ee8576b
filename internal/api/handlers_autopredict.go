// handlers_autopredict.go - Automated-predict session handlers
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/plasma-predict/orchestrator/internal/autopredict"
	"github.com/plasma-predict/orchestrator/internal/parser"
	"github.com/plasma-predict/orchestrator/internal/predict"
)

// AutoPredictHandlerImpl implements the AutoPredictHandler interface
type AutoPredictHandlerImpl struct {
	manager *autopredict.Manager
}

// NewAutoPredictHandler creates a new automated-predict handler
func NewAutoPredictHandler(manager *autopredict.Manager) AutoPredictHandler {
	return &AutoPredictHandlerImpl{manager: manager}
}

// HandleStartAutoPredict opens a session and returns its id.
func (h *AutoPredictHandlerImpl) HandleStartAutoPredict(c echo.Context) error {
	id, err := h.manager.Start()
	if err != nil {
		return NewInternalError("failed to start session", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"sessionId": id})
}

// HandleAutoPredictUpload feeds one discharge's sensor files through the
// orchestrator and accumulates its justification table.
func (h *AutoPredictHandlerImpl) HandleAutoPredictUpload(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	files, err := collectSensorFiles(c)
	if err != nil {
		return err
	}

	var thresholds *autopredict.Thresholds
	if raw := c.FormValue("thresholds"); raw != "" {
		thresholds = &autopredict.Thresholds{}
		if err := json.Unmarshal([]byte(raw), thresholds); err != nil {
			return NewBadRequestError("invalid thresholds JSON", err)
		}
	}

	err = h.manager.Upload(c.Request().Context(), id, files, c.FormValue("dischargeId"), thresholds)
	if err != nil {
		var parseErr *parser.ParseError
		switch {
		case errors.Is(err, autopredict.ErrSessionNotFound):
			return NewSessionNotFoundError(id)
		case errors.As(err, &parseErr):
			return NewParseError(err)
		case errors.Is(err, predict.ErrNoModels):
			return NewNoModelsError()
		default:
			return NewInternalError("upload failed", err)
		}
	}

	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// HandleAutoPredictZip streams the session archive and tears the session
// down.
func (h *AutoPredictHandlerImpl) HandleAutoPredictZip(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	// Headers are set up front but the status line is only committed by the
	// first archive write, so an unknown session can still answer 400.
	c.Response().Header().Set(echo.HeaderContentType, "application/zip")
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="automated-predicts.zip"`)

	if err := h.manager.Finalize(id, c.Response()); err != nil {
		if errors.Is(err, autopredict.ErrSessionNotFound) && !c.Response().Committed {
			return NewSessionNotFoundError(id)
		}
		// Headers are gone; the truncated stream is the failure signal.
		return err
	}
	return nil
}
