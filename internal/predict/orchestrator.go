package predict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/plasma-predict/orchestrator/internal/metrics"
	"github.com/plasma-predict/orchestrator/internal/models"
	"github.com/plasma-predict/orchestrator/internal/nodeclient"
	"github.com/plasma-predict/orchestrator/internal/registry"
)

// Request validation errors, mapped onto the API error taxonomy upstream.
var (
	ErrNoDischarges = errors.New("request contains no discharges")
	ErrNoModels     = errors.New("no models are enabled")
)

// Output is the full answer of one orchestration: the vote plus every
// per-model result that fed it.
type Output struct {
	Outcome         models.VoteOutcome   `json:"vote"`
	Results         []models.ModelResult `json:"models"`
	ExecutionTimeMs int64                `json:"executionTimeMs"`
}

// Orchestrator fans one discharge out to every enabled node and votes over
// the answers.
type Orchestrator struct {
	reg    *registry.Registry
	client *nodeclient.Client
}

// NewOrchestrator wires the predictor against a registry and node client.
func NewOrchestrator(reg *registry.Registry, client *nodeclient.Client) *Orchestrator {
	return &Orchestrator{reg: reg, client: client}
}

// Run dispatches discharges[0] to all enabled nodes in parallel, waits for
// every answer, and aggregates. Per-node failures are isolated into their
// ModelResult; the vote proceeds on the remainder.
func (o *Orchestrator) Run(ctx context.Context, req *models.PredictionRequest) (*Output, error) {
	if req == nil || len(req.Discharges) == 0 {
		return nil, ErrNoDischarges
	}

	nodes := o.reg.EnabledSnapshot()
	if len(nodes) == 0 {
		return nil, ErrNoModels
	}

	discharge := &req.Discharges[0]
	start := time.Now()

	results := make([]models.ModelResult, len(nodes))
	wp := pool.New().WithMaxGoroutines(len(nodes))
	for i, node := range nodes {
		i, node := i, node
		wp.Go(func() {
			results[i] = o.callNode(ctx, node, discharge)
		})
	}
	wp.Wait()

	outcome := Vote(results)
	elapsed := time.Since(start)
	metrics.ObservePrediction(elapsed, outcomeLabel(outcome))

	return &Output{
		Outcome:         outcome,
		Results:         results,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}, nil
}

func (o *Orchestrator) callNode(ctx context.Context, node models.NodeDescriptor, d *models.Discharge) models.ModelResult {
	resp, err := o.client.Predict(ctx, node, d)
	if err != nil {
		code := nodeclient.Classify(err)
		metrics.ObserveNodeError(code)
		fmt.Printf("[Predict] node %s failed: %v\n", node.Key, err)
		return models.ModelResult{
			ModelName: node.Key,
			Status:    models.StatusError,
			Error:     err.Error(),
			ErrorCode: code,
		}
	}

	return models.ModelResult{
		ModelName: node.Key,
		Status:    models.StatusSuccess,
		Result:    resp,
	}
}

func outcomeLabel(outcome models.VoteOutcome) string {
	switch {
	case outcome.Decision == nil && outcome.TotalVotes == 0:
		return metrics.OutcomeNoPredictions
	case outcome.Decision == nil:
		return metrics.OutcomeTie
	case *outcome.Decision == 1:
		return metrics.OutcomeAnomaly
	default:
		return metrics.OutcomeNormal
	}
}
