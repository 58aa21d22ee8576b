// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"github.com/labstack/echo/v4"
)

// PredictHandler handles prediction fan-out operations
type PredictHandler interface {
	HandlePredict(c echo.Context) error
	HandlePredictRaw(c echo.Context) error
}

// TrainingHandler handles training session operations
type TrainingHandler interface {
	HandleTrain(c echo.Context) error
	HandleTrainRaw(c echo.Context) error
	HandleStartTraining(c echo.Context) error
	HandleTrainingBatch(c echo.Context) error
	HandleFinishTraining(c echo.Context) error
	HandleTrainingStatus(c echo.Context) error
	HandleTrainingCompleted(c echo.Context) error
	HandleListTrainingSummaries(c echo.Context) error
}

// AutoPredictHandler handles automated-predict session operations
type AutoPredictHandler interface {
	HandleStartAutoPredict(c echo.Context) error
	HandleAutoPredictUpload(c echo.Context) error
	HandleAutoPredictZip(c echo.Context) error
}

// ConfigHandler handles node registry and timeout CRUD
type ConfigHandler interface {
	HandleListModels(c echo.Context) error
	HandleUpsertModel(c echo.Context) error
	HandleDeleteModel(c echo.Context) error
	HandleSetModelEnabled(c echo.Context) error
	HandleGetTimeouts(c echo.Context) error
	HandleUpdateTimeouts(c echo.Context) error
}

// HealthHandler handles aggregate node health checks
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}
