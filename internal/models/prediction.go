package models

import "strings"

// PredictionRequest is the client-facing predict body. Only the first
// discharge is evaluated; the list form mirrors the node protocol.
type PredictionRequest struct {
	Discharges []Discharge `json:"discharges"`
}

// PredictionWindow is one scoring window reported by a node. Nodes attach
// additional fields we do not interpret; only the justification is read.
type PredictionWindow struct {
	Justification *float64 `json:"justification"`
}

// NodeResponse is the raw predict answer from a node. Prediction arrives
// either as a number or as "anomaly"/"normal".
type NodeResponse struct {
	Prediction      any                `json:"prediction"`
	Confidence      *float64           `json:"confidence,omitempty"`
	Justification   *float64           `json:"justification,omitempty"`
	Windows         []PredictionWindow `json:"windows,omitempty"`
	ExecutionTimeMs *float64           `json:"executionTimeMs,omitempty"`
	Model           string             `json:"model,omitempty"`
	Details         map[string]any     `json:"details,omitempty"`
}

// NormalizedPrediction coerces the node's prediction field to a class in
// {0,1}. Strings equal to "anomaly" (any case) map to 1, other strings to 0.
// The second return is false when the field is absent or unusable.
func (r *NodeResponse) NormalizedPrediction() (int, bool) {
	switch v := r.Prediction.(type) {
	case string:
		if strings.EqualFold(v, "anomaly") {
			return 1, true
		}
		return 0, true
	case float64:
		if v >= 0.5 {
			return 1, true
		}
		return 0, true
	case int:
		if v >= 1 {
			return 1, true
		}
		return 0, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// NormalizedConfidence returns the node's confidence, defaulting to 1.0
// when the node did not report one.
func (r *NodeResponse) NormalizedConfidence() float64 {
	if r.Confidence == nil {
		return 1.0
	}
	return *r.Confidence
}

// Model result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ModelResult wraps one node's predict outcome. Failures are recorded here
// instead of propagating, so a broken node never fails the whole call.
type ModelResult struct {
	ModelName string        `json:"modelName"`
	Status    string        `json:"status"`
	Result    *NodeResponse `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorCode string        `json:"errorCode,omitempty"`
}

// VoteOutcome is the aggregated decision over all model results.
// Decision is nil on a tie or when no model produced a valid prediction.
type VoteOutcome struct {
	Votes       map[int]int `json:"votes"`
	TotalVotes  int         `json:"totalVotes"`
	TotalModels int         `json:"totalModels"`
	Decision    *int        `json:"decision"`
	Confidence  float64     `json:"confidence"`
	Message     string      `json:"message"`
}
