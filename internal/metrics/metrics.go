package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prediction outcome labels.
const (
	OutcomeAnomaly       = "anomaly"
	OutcomeNormal        = "normal"
	OutcomeTie           = "tie"
	OutcomeNoPredictions = "no_predictions"
)

var (
	predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "predictions_total",
			Help:      "Total orchestrated predictions, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	predictionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Name:      "prediction_seconds",
			Help:      "Predict fan-out latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	nodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "node_errors_total",
			Help:      "Node call failures, partitioned by error class.",
		},
		[]string{"class"},
	)

	trainingDischargesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "training_discharges_total",
			Help:      "Training discharges delivered to nodes, partitioned by result.",
		},
		[]string{"result"},
	)

	trainingPushSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Name:      "training_push_seconds",
			Help:      "Per-node discharge delivery latency in seconds, retries included.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
	)
)

// Register attaches the orchestrator collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		predictionsTotal,
		predictionDurationSeconds,
		nodeErrorsTotal,
		trainingDischargesTotal,
		trainingPushSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObservePrediction records one orchestrated prediction.
func ObservePrediction(duration time.Duration, outcome string) {
	predictionsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	predictionDurationSeconds.Observe(duration.Seconds())
}

// ObserveNodeError counts a node call failure by class.
func ObserveNodeError(class string) {
	nodeErrorsTotal.WithLabelValues(class).Inc()
}

// ObserveDelivery records one training discharge delivery attempt outcome.
func ObserveDelivery(duration time.Duration, delivered bool) {
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	trainingDischargesTotal.WithLabelValues(result).Inc()
	if duration < 0 {
		duration = 0
	}
	trainingPushSeconds.Observe(duration.Seconds())
}
