package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plasma-predict/orchestrator/internal/api"
	"github.com/plasma-predict/orchestrator/internal/autopredict"
	"github.com/plasma-predict/orchestrator/internal/config"
	"github.com/plasma-predict/orchestrator/internal/health"
	"github.com/plasma-predict/orchestrator/internal/metrics"
	"github.com/plasma-predict/orchestrator/internal/nodeclient"
	"github.com/plasma-predict/orchestrator/internal/predict"
	"github.com/plasma-predict/orchestrator/internal/registry"
	"github.com/plasma-predict/orchestrator/internal/training"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// .env is optional; real deployments use the YAML config
	_ = godotenv.Load()

	configPath := os.Getenv("ORCHESTRATOR_CONFIG")
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Printf("Failed to create directories: %v\n", err)
		os.Exit(1)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		fmt.Printf("Failed to register metrics: %v\n", err)
		os.Exit(1)
	}

	// Core wiring
	reg := registry.New(cfg.Nodes, registry.Timeouts{
		Model:    cfg.Timeouts.Model,
		Training: cfg.Timeouts.Training,
	})
	client := nodeclient.New(reg)
	prober := health.NewProber(reg, client)
	orchestrator := predict.NewOrchestrator(reg, client)
	summaries := training.NewSummaryStore()
	trainingMgr := training.NewManager(reg, client, summaries)
	autoPredictMgr := autopredict.NewManager(cfg.AutopredictDir(), orchestrator)

	// Abandoned automated-predict sessions leak scratch space; sweep them.
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Data.CleanupIntervalMinutes) * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			autoPredictMgr.CleanupOldSessions(time.Duration(cfg.Data.SessionMaxAgeMinutes) * time.Minute)
		}
	}()

	predictHandler := api.NewPredictHandler(orchestrator)
	trainingHandler := api.NewTrainingHandler(trainingMgr, summaries)
	autoPredictHandler := api.NewAutoPredictHandler(autoPredictMgr)
	configHandler := api.NewConfigHandler(reg)
	healthHandler := api.NewHealthHandler(prober, Version)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler

	// Configure middleware
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			if !cfg.Server.EnableRequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return path == "/api/health" || path == "/metrics" ||
				strings.HasSuffix(path, "/status")
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))

	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool {
			// ZIP streams are already compressed
			return strings.HasSuffix(c.Request().URL.Path, "/zip")
		},
	}))

	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	if cfg.Server.EnableCORS {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}

	// API Routes
	apiGroup := e.Group("/api")

	// Prediction
	apiGroup.POST("/predict", predictHandler.HandlePredict)
	apiGroup.POST("/predict/raw", predictHandler.HandlePredictRaw)

	// Training
	apiGroup.POST("/train", trainingHandler.HandleTrain)
	apiGroup.POST("/train/raw", trainingHandler.HandleTrainRaw)
	apiGroup.POST("/train/start", trainingHandler.HandleStartTraining)
	apiGroup.POST("/train/batch", trainingHandler.HandleTrainingBatch)
	apiGroup.POST("/train/finish", trainingHandler.HandleFinishTraining)
	apiGroup.GET("/train/status", trainingHandler.HandleTrainingStatus)
	apiGroup.POST("/trainingCompleted", trainingHandler.HandleTrainingCompleted)
	apiGroup.GET("/trainingCompleted", trainingHandler.HandleListTrainingSummaries)

	// Automated predicts
	apiGroup.POST("/automated-predicts/session", autoPredictHandler.HandleStartAutoPredict)
	apiGroup.POST("/automated-predicts/session/:id", autoPredictHandler.HandleAutoPredictUpload)
	apiGroup.GET("/automated-predicts/session/:id/zip", autoPredictHandler.HandleAutoPredictZip)

	// Health
	apiGroup.GET("/health", healthHandler.HandleHealth)

	// Node registry and timeout configuration
	apiGroup.GET("/config/models", configHandler.HandleListModels)
	apiGroup.POST("/config/models", configHandler.HandleUpsertModel)
	apiGroup.DELETE("/config/models/:key", configHandler.HandleDeleteModel)
	apiGroup.PUT("/config/models/:key/enabled", configHandler.HandleSetModelEnabled)
	apiGroup.GET("/config/timeouts", configHandler.HandleGetTimeouts)
	apiGroup.PUT("/config/timeouts", configHandler.HandleUpdateTimeouts)

	// Prometheus metrics
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s := &http.Server{
		Addr:         cfg.Addr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Prediction Orchestrator                         ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Listen:     http://%-37s║\n", cfg.Addr())
	fmt.Printf("║  Data Dir:   %-45s║\n", cfg.Data.Dir)
	fmt.Printf("║  Nodes:      %-45d║\n", len(cfg.Nodes))
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")

	e.Logger.Fatal(e.StartServer(s))
}
