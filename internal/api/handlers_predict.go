// handlers_predict.go - Prediction fan-out handlers
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/plasma-predict/orchestrator/internal/models"
	"github.com/plasma-predict/orchestrator/internal/parser"
	"github.com/plasma-predict/orchestrator/internal/predict"
)

const mimeMsgpack = "application/x-msgpack"

// PredictHandlerImpl implements the PredictHandler interface
type PredictHandlerImpl struct {
	orch *predict.Orchestrator
}

// NewPredictHandler creates a new predict handler
func NewPredictHandler(orch *predict.Orchestrator) PredictHandler {
	return &PredictHandlerImpl{orch: orch}
}

// predictResponse is the client-facing answer: the decided class plus the
// full vote and per-model details.
type predictResponse struct {
	Class      *int            `json:"class"`
	Confidence float64         `json:"confidence"`
	Details    *predict.Output `json:"details"`
}

// HandlePredict fans a JSON discharge out to all enabled nodes and votes.
// A tie surfaces as 409 with the same body shape as a decision.
func (h *PredictHandlerImpl) HandlePredict(c echo.Context) error {
	var req models.PredictionRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}

	return h.run(c, &req)
}

// HandlePredictRaw accepts multipart sensor files, parses them into a
// discharge, and predicts on it.
func (h *PredictHandlerImpl) HandlePredictRaw(c echo.Context) error {
	files, err := collectSensorFiles(c)
	if err != nil {
		return err
	}

	discharge, warnings, err := parser.ParseDischarge(files)
	if err != nil {
		return NewParseError(err)
	}
	// Axis drift is tolerated; nodes may still reject the discharge.
	for _, w := range warnings {
		fmt.Printf("[Predict] parser warning (%s): %s\n", w.File, w.Message)
	}

	discharge.ID = c.FormValue("dischargeId")

	return h.run(c, &models.PredictionRequest{Discharges: []models.Discharge{*discharge}})
}

func (h *PredictHandlerImpl) run(c echo.Context, req *models.PredictionRequest) error {
	output, err := h.orch.Run(c.Request().Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, predict.ErrNoDischarges):
			return NewBadRequestError("request must contain at least one discharge", nil)
		case errors.Is(err, predict.ErrNoModels):
			return NewNoModelsError()
		default:
			return NewInternalError("prediction failed", err)
		}
	}

	status := http.StatusOK
	if output.Outcome.Decision == nil {
		status = http.StatusConflict
	}

	return respond(c, status, predictResponse{
		Class:      output.Outcome.Decision,
		Confidence: output.Outcome.Confidence,
		Details:    output,
	})
}

// respond negotiates the response encoding: msgpack when the client asks
// for it, JSON otherwise.
func respond(c echo.Context, status int, payload any) error {
	if c.Request().Header.Get(echo.HeaderAccept) == mimeMsgpack {
		data, err := msgpack.Marshal(payload)
		if err != nil {
			return NewInternalError("failed to encode response", err)
		}
		return c.Blob(status, mimeMsgpack, data)
	}
	return c.JSON(status, payload)
}

// collectSensorFiles reads every uploaded part of a multipart request into
// memory, ordered by field name; files within one field keep their upload
// order, so signal order is stable.
func collectSensorFiles(c echo.Context) ([]parser.SensorFile, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, NewBadRequestError("expected multipart form with sensor files", err)
	}

	fields := make([]string, 0, len(form.File))
	for field := range form.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var files []parser.SensorFile
	for _, field := range fields {
		for _, header := range form.File[field] {
			src, err := header.Open()
			if err != nil {
				return nil, NewInternalError("failed to open uploaded file", err)
			}
			content, err := io.ReadAll(src)
			src.Close()
			if err != nil {
				return nil, NewInternalError("failed to read uploaded file", err)
			}
			files = append(files, parser.SensorFile{Name: header.Filename, Content: content})
		}
	}

	if len(files) == 0 {
		return nil, NewValidationError("file")
	}
	return files, nil
}
