package autopredict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plasma-predict/orchestrator/internal/models"
	"github.com/plasma-predict/orchestrator/internal/parser"
	"github.com/plasma-predict/orchestrator/internal/predict"
)

// ErrSessionNotFound rejects operations on unknown session ids.
var ErrSessionNotFound = errors.New("automated-predict session not found")

// Thresholds is the two-stage rule applied per window: a justification cut
// and a streak length for the count threshold.
type Thresholds struct {
	Justification float64 `json:"justification"`
	Count         int     `json:"count"`
}

// DefaultThresholds applies when the client sends none.
func DefaultThresholds() Thresholds {
	return Thresholds{Justification: 0, Count: 1}
}

// dischargeStats holds the per-window columns for one (model, discharge).
type dischargeStats struct {
	Justifications  []float64
	Thresholds      []int
	CountThresholds []int
}

// modelStats groups one model's per-discharge columns.
type modelStats struct {
	count      int
	discharges map[string]*dischargeStats
}

type session struct {
	id           string
	dir          string
	order        []string // discharge ids, first-sight order
	models       map[string]*modelStats
	lastAccessed time.Time
}

// Manager owns automated-predict sessions: one scratch directory each,
// streaming accumulation of justification tables, ZIP packaging on
// finalisation.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	dataDir  string
	orch     *predict.Orchestrator
}

// NewManager wires the session manager over a scratch root.
func NewManager(dataDir string, orch *predict.Orchestrator) *Manager {
	return &Manager{
		sessions: make(map[string]*session),
		dataDir:  dataDir,
		orch:     orch,
	}
}

// Start creates a session and its scratch directory, returning the id.
func (m *Manager) Start() (string, error) {
	id := uuid.New().String()
	dir := filepath.Join(m.dataDir, id)

	if err := os.MkdirAll(filepath.Join(dir, "raw"), 0755); err != nil {
		return "", fmt.Errorf("creating session directory: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = &session{
		id:           id,
		dir:          dir,
		models:       make(map[string]*modelStats),
		lastAccessed: time.Now(),
	}
	m.mu.Unlock()

	fmt.Printf("[AutoPredict %s] session started\n", id[:8])
	return id, nil
}

// Upload runs one discharge through the orchestrator and folds the result
// into the session: raw JSON on disk, per-window justification columns in
// memory.
func (m *Manager) Upload(ctx context.Context, id string, files []parser.SensorFile, dischargeID string, th *Thresholds) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		sess.lastAccessed = time.Now()
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	thresholds := DefaultThresholds()
	if th != nil {
		thresholds = *th
		if thresholds.Count < 1 {
			thresholds.Count = 1
		}
	}

	discharge, warnings, err := parser.ParseDischarge(files)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Printf("[AutoPredict %s] parser warning (%s): %s\n", id[:8], w.File, w.Message)
	}

	m.mu.Lock()
	if dischargeID == "" {
		dischargeID = models.AutoID(len(sess.order))
	}
	m.mu.Unlock()
	discharge.ID = dischargeID

	output, err := m.orch.Run(ctx, &models.PredictionRequest{Discharges: []models.Discharge{*discharge}})
	if err != nil {
		return err
	}

	if err := m.writeRaw(sess, dischargeID, output); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.accumulate(sess, dischargeID, output, thresholds)
	return nil
}

// writeRaw persists the full orchestrator output for one discharge.
func (m *Manager) writeRaw(sess *session, dischargeID string, output *predict.Output) error {
	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding raw output: %w", err)
	}

	path := filepath.Join(sess.dir, "raw", safeName(dischargeID)+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing raw output: %w", err)
	}
	return nil
}

// accumulate appends per-window justification rows. The streak detector
// marks 1 only when the most recent Count thresholds exist and are all 1.
func (m *Manager) accumulate(sess *session, dischargeID string, output *predict.Output, th Thresholds) {
	firstSight := true
	for _, seen := range sess.order {
		if seen == dischargeID {
			firstSight = false
			break
		}
	}
	if firstSight {
		sess.order = append(sess.order, dischargeID)
	}

	for _, result := range output.Results {
		if result.Status != models.StatusSuccess || result.Result == nil {
			continue
		}

		ms, ok := sess.models[result.ModelName]
		if !ok {
			ms = &modelStats{discharges: make(map[string]*dischargeStats)}
			sess.models[result.ModelName] = ms
		}
		ms.count++

		ds, ok := ms.discharges[dischargeID]
		if !ok {
			ds = &dischargeStats{}
			ms.discharges[dischargeID] = ds
		}

		for _, window := range result.Result.Windows {
			if window.Justification == nil {
				continue
			}
			j := *window.Justification

			pass := 0
			if j > th.Justification {
				pass = 1
			}

			ds.Justifications = append(ds.Justifications, j)
			ds.Thresholds = append(ds.Thresholds, pass)
			ds.CountThresholds = append(ds.CountThresholds, streak(ds.Thresholds, th.Count))
		}
	}
}

// streak returns 1 iff the last n entries of thresholds exist and are all 1.
func streak(thresholds []int, n int) int {
	if len(thresholds) < n {
		return 0
	}
	for _, v := range thresholds[len(thresholds)-n:] {
		if v != 1 {
			return 0
		}
	}
	return 1
}

// CleanupOldSessions drops sessions idle past maxAge along with their
// scratch directories.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, sess := range m.sessions {
		if sess.lastAccessed.Before(cutoff) {
			os.RemoveAll(sess.dir)
			delete(m.sessions, id)
			fmt.Printf("[AutoPredict %s] cleaned up abandoned session\n", id[:8])
		}
	}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// safeName makes a discharge id usable as a file name and CSV column prefix.
func safeName(id string) string {
	return unsafeChars.ReplaceAllString(id, "_")
}
