package predict

import (
	"fmt"

	"github.com/plasma-predict/orchestrator/internal/models"
)

// Vote aggregates model results by majority with per-class confidence
// averaging. Pure: normalisation happened at the boundary, so only
// successful results with a defined prediction are counted.
func Vote(results []models.ModelResult) models.VoteOutcome {
	outcome := models.VoteOutcome{
		Votes:       map[int]int{0: 0, 1: 0},
		TotalModels: len(results),
	}

	confidences := map[int][]float64{}

	for _, r := range results {
		if r.Status != models.StatusSuccess || r.Result == nil {
			continue
		}
		class, ok := r.Result.NormalizedPrediction()
		if !ok {
			continue
		}
		outcome.Votes[class]++
		outcome.TotalVotes++
		confidences[class] = append(confidences[class], r.Result.NormalizedConfidence())
	}

	if outcome.TotalVotes == 0 {
		outcome.Message = "No models returned valid predictions"
		return outcome
	}

	if outcome.Votes[0] == outcome.Votes[1] {
		outcome.Message = fmt.Sprintf("Tie: %d votes for each class", outcome.Votes[0])
		return outcome
	}

	decision := 0
	if outcome.Votes[1] > outcome.Votes[0] {
		decision = 1
	}
	outcome.Decision = &decision
	outcome.Confidence = mean(confidences[decision])
	outcome.Message = fmt.Sprintf("Class %d won by %d votes", decision, outcome.Votes[decision])
	return outcome
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
