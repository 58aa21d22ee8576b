package training

import (
	"errors"
	"sync"
	"time"

	"github.com/plasma-predict/orchestrator/internal/models"
)

// maxSummaries bounds the in-memory ring of training callbacks.
const maxSummaries = 100

// ErrMissingStatus rejects summaries without the required status field.
var ErrMissingStatus = errors.New("training summary is missing status")

// SummaryStore keeps the newest training-completed callbacks in insertion
// order, evicting the oldest past 100 entries.
type SummaryStore struct {
	mu      sync.Mutex
	entries []models.TrainingSummary
}

// NewSummaryStore builds an empty store.
func NewSummaryStore() *SummaryStore {
	return &SummaryStore{}
}

// Record validates, timestamps, and appends a summary.
func (s *SummaryStore) Record(summary models.TrainingSummary) error {
	if summary == nil {
		return ErrMissingStatus
	}
	if _, ok := summary["status"]; !ok {
		return ErrMissingStatus
	}
	summary["timestamp"] = time.Now().Format(time.RFC3339)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, summary)
	if len(s.entries) > maxSummaries {
		s.entries = s.entries[len(s.entries)-maxSummaries:]
	}
	return nil
}

// List returns the stored summaries in insertion order.
func (s *SummaryStore) List() []models.TrainingSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.TrainingSummary, len(s.entries))
	copy(out, s.entries)
	return out
}
