// handlers_train.go - Training session handlers
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/plasma-predict/orchestrator/internal/models"
	"github.com/plasma-predict/orchestrator/internal/parser"
	"github.com/plasma-predict/orchestrator/internal/training"
)

// TrainingHandlerImpl implements the TrainingHandler interface
type TrainingHandlerImpl struct {
	manager   *training.Manager
	summaries *training.SummaryStore
}

// NewTrainingHandler creates a new training handler
func NewTrainingHandler(manager *training.Manager, summaries *training.SummaryStore) TrainingHandler {
	return &TrainingHandlerImpl{manager: manager, summaries: summaries}
}

// Request/response types

type trainRequest struct {
	Discharges      []models.Discharge `json:"discharges"`
	TotalDischarges int                `json:"totalDischarges"`
}

type startTrainingRequest struct {
	TotalDischarges int  `json:"totalDischarges"`
	AutoFinish      bool `json:"autoFinish"`
}

func (r *startTrainingRequest) validate() error {
	if r.TotalDischarges <= 0 {
		return NewBadRequestError("totalDischarges must be positive", nil)
	}
	return nil
}

type trainBatchRequest struct {
	Discharges []models.Discharge `json:"discharges"`
}

type trainResponse struct {
	Start *training.StartResult `json:"start,omitempty"`
	Batch *training.BatchResult `json:"batch,omitempty"`
}

// trainRawMetadata describes the discharges carried in a multipart train
// request. Entry N applies to the files of field discharge<N>.
type trainRawMetadata struct {
	TotalDischarges int `json:"totalDischarges"`
	Discharges      []struct {
		ID          string   `json:"id"`
		AnomalyTime *float64 `json:"anomalyTime"`
	} `json:"discharges"`
}

// HandleTrain is the one-shot training entry point: when no session is
// active it opens one (auto-finishing at totalDischarges, defaulting to the
// batch size) and then submits the batch into it.
func (h *TrainingHandlerImpl) HandleTrain(c echo.Context) error {
	var req trainRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if len(req.Discharges) == 0 {
		return NewValidationError("discharges")
	}

	total := req.TotalDischarges
	if total <= 0 {
		total = len(req.Discharges)
	}

	return h.startAndSubmit(c, total, toPointers(req.Discharges))
}

// HandleTrainRaw is the multipart twin of HandleTrain: a metadata JSON part
// plus discharge<N> file fields, each holding one discharge's sensor files.
func (h *TrainingHandlerImpl) HandleTrainRaw(c echo.Context) error {
	var meta trainRawMetadata
	if raw := c.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return NewBadRequestError("invalid metadata JSON", err)
		}
	}

	discharges, err := parseRawDischarges(c, &meta)
	if err != nil {
		return err
	}
	if len(discharges) == 0 {
		return NewValidationError("discharge files")
	}

	total := meta.TotalDischarges
	if total <= 0 {
		total = len(discharges)
	}

	return h.startAndSubmit(c, total, discharges)
}

func (h *TrainingHandlerImpl) startAndSubmit(c echo.Context, total int, discharges []*models.Discharge) error {
	resp := trainResponse{}

	start, err := h.manager.Start(c.Request().Context(), total, true)
	switch {
	case err == nil:
		resp.Start = start
	case errors.Is(err, training.ErrSessionActive):
		// Batch joins the session already in flight.
	default:
		return mapTrainingError(err, start)
	}

	batch, err := h.manager.SubmitBatch(discharges)
	if err != nil {
		return mapTrainingError(err, nil)
	}
	resp.Batch = batch

	return c.JSON(http.StatusOK, resp)
}

// HandleStartTraining opens a session explicitly, for clients that stream
// open-ended batches and finish by hand.
func (h *TrainingHandlerImpl) HandleStartTraining(c echo.Context) error {
	var req startTrainingRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if err := req.validate(); err != nil {
		return err
	}

	result, err := h.manager.Start(c.Request().Context(), req.TotalDischarges, req.AutoFinish)
	if err != nil {
		return mapTrainingError(err, result)
	}
	return c.JSON(http.StatusOK, result)
}

// HandleTrainingBatch submits discharges into the active session.
func (h *TrainingHandlerImpl) HandleTrainingBatch(c echo.Context) error {
	var req trainBatchRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if len(req.Discharges) == 0 {
		return NewValidationError("discharges")
	}

	result, err := h.manager.SubmitBatch(toPointers(req.Discharges))
	if err != nil {
		return mapTrainingError(err, nil)
	}
	return c.JSON(http.StatusOK, result)
}

// HandleFinishTraining drains all queues and closes the session.
func (h *TrainingHandlerImpl) HandleFinishTraining(c echo.Context) error {
	result, err := h.manager.Finish()
	if err != nil {
		return mapTrainingError(err, nil)
	}
	return c.JSON(http.StatusOK, result)
}

// HandleTrainingStatus snapshots the session state.
func (h *TrainingHandlerImpl) HandleTrainingStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Status())
}

// HandleTrainingCompleted stores a node's training-completed callback.
func (h *TrainingHandlerImpl) HandleTrainingCompleted(c echo.Context) error {
	var summary models.TrainingSummary
	if err := c.Bind(&summary); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}

	if err := h.summaries.Record(summary); err != nil {
		return NewValidationError("status")
	}
	return c.JSON(http.StatusOK, map[string]any{"stored": true})
}

// HandleListTrainingSummaries returns the retained callbacks in order.
func (h *TrainingHandlerImpl) HandleListTrainingSummaries(c echo.Context) error {
	return c.JSON(http.StatusOK, h.summaries.List())
}

// Helper functions

func mapTrainingError(err error, start *training.StartResult) error {
	switch {
	case errors.Is(err, training.ErrSessionActive):
		return NewConflictError("a training session is already in progress")
	case errors.Is(err, training.ErrNotActive):
		return NewConflictError("no active training session")
	case errors.Is(err, training.ErrNoNodesEnabled):
		return NewNoModelsError()
	case errors.Is(err, training.ErrNoAcceptors):
		apiErr := NewBadRequestError("no node accepted the training session", nil)
		if start != nil {
			if data, jsonErr := json.Marshal(start.Details); jsonErr == nil {
				apiErr.Details = string(data)
			}
		}
		return apiErr
	default:
		return NewInternalError("training operation failed", err)
	}
}

func toPointers(discharges []models.Discharge) []*models.Discharge {
	out := make([]*models.Discharge, len(discharges))
	for i := range discharges {
		out[i] = &discharges[i]
	}
	return out
}

// parseRawDischarges groups multipart fields discharge<N> into one parsed
// discharge each, in ascending N.
func parseRawDischarges(c echo.Context, meta *trainRawMetadata) ([]*models.Discharge, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, NewBadRequestError("expected multipart form with discharge files", err)
	}

	indices := make([]int, 0, len(form.File))
	for field := range form.File {
		if !strings.HasPrefix(field, "discharge") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(field, "discharge"))
		if err != nil {
			return nil, NewBadRequestError(fmt.Sprintf("invalid discharge field name: %s", field), nil)
		}
		indices = append(indices, n)
	}
	sort.Ints(indices)

	discharges := make([]*models.Discharge, 0, len(indices))
	for _, n := range indices {
		headers := form.File[fmt.Sprintf("discharge%d", n)]

		var files []parser.SensorFile
		for _, header := range headers {
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

		discharge, _, err := parser.ParseDischarge(files)
		if err != nil {
			return nil, NewParseError(err)
		}

		if n < len(meta.Discharges) {
			discharge.ID = meta.Discharges[n].ID
			discharge.AnomalyTime = meta.Discharges[n].AnomalyTime
		}
		discharges = append(discharges, discharge)
	}

	return discharges, nil
}
