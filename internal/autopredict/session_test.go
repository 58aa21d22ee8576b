package autopredict

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasma-predict/orchestrator/internal/models"
	"github.com/plasma-predict/orchestrator/internal/nodeclient"
	"github.com/plasma-predict/orchestrator/internal/parser"
	"github.com/plasma-predict/orchestrator/internal/predict"
	"github.com/plasma-predict/orchestrator/internal/registry"
)

// windowNode serves predict responses whose windows come from a queue of
// justification lists, one list per call.
func windowNode(t *testing.T, perCall *atomic.Int32, windowSets [][]float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := int(perCall.Add(1)) - 1
		if call >= len(windowSets) {
			call = len(windowSets) - 1
		}

		windows := make([]map[string]any, 0, len(windowSets[call]))
		for _, j := range windowSets[call] {
			windows = append(windows, map[string]any{"justification": j})
		}
		json.NewEncoder(w).Encode(map[string]any{
			"prediction": 1,
			"confidence": 0.8,
			"windows":    windows,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, windowSets [][]float64) *Manager {
	t.Helper()
	var calls atomic.Int32
	srv := windowNode(t, &calls, windowSets)

	reg := registry.New([]models.NodeDescriptor{
		{Key: "svm", PredictURL: srv.URL, Enabled: true},
	}, registry.Timeouts{Model: 2 * time.Second, Training: 2 * time.Second})

	orch := predict.NewOrchestrator(reg, nodeclient.New(reg))
	return NewManager(t.TempDir(), orch)
}

func sensorFiles() []parser.SensorFile {
	return []parser.SensorFile{
		{Name: "current.txt", Content: []byte("0 1\n1 2\n")},
		{Name: "density.txt", Content: []byte("0 5\n1 6\n")},
	}
}

func readZip(t *testing.T, m *Manager, id string) map[string][]byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, m.Finalize(id, &buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	entries := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		entries[f.Name] = data
	}
	return entries
}

func TestUploadUnknownSession(t *testing.T) {
	m := newTestManager(t, [][]float64{{0.5}})

	err := m.Upload(context.Background(), "nope", sensorFiles(), "d1", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestThresholdTables(t *testing.T) {
	m := newTestManager(t, [][]float64{
		{0.6, 0.3, 0.8},
		{0.9, 0.9},
	})

	id, err := m.Start()
	require.NoError(t, err)

	th := &Thresholds{Justification: 0.5, Count: 2}
	require.NoError(t, m.Upload(context.Background(), id, sensorFiles(), "d1", th))

	m.mu.Lock()
	ds := m.sessions[id].models["svm"].discharges["d1"]
	assert.Equal(t, []float64{0.6, 0.3, 0.8}, ds.Justifications)
	assert.Equal(t, []int{1, 0, 1}, ds.Thresholds)
	assert.Equal(t, []int{0, 0, 0}, ds.CountThresholds)
	m.mu.Unlock()

	// A second upload of the same discharge appends; the streak detector
	// fires once two passing windows are adjacent.
	require.NoError(t, m.Upload(context.Background(), id, sensorFiles(), "d1", th))

	m.mu.Lock()
	defer m.mu.Unlock()
	ds = m.sessions[id].models["svm"].discharges["d1"]
	assert.Equal(t, []int{1, 0, 1, 1, 1}, ds.Thresholds)
	assert.Equal(t, []int{0, 0, 0, 1, 1}, ds.CountThresholds)
	assert.Equal(t, []string{"d1"}, m.sessions[id].order)
}

func TestDefaultThresholds(t *testing.T) {
	m := newTestManager(t, [][]float64{{0.4, 0.0}})

	id, err := m.Start()
	require.NoError(t, err)
	require.NoError(t, m.Upload(context.Background(), id, sensorFiles(), "d1", nil))

	m.mu.Lock()
	defer m.mu.Unlock()
	ds := m.sessions[id].models["svm"].discharges["d1"]
	// justification > 0 with a streak of one
	assert.Equal(t, []int{1, 0}, ds.Thresholds)
	assert.Equal(t, []int{1, 0}, ds.CountThresholds)
}

func TestFinalizeArchiveShape(t *testing.T) {
	m := newTestManager(t, [][]float64{
		{0.6, 0.3, 0.8},
		{0.9, 0.9},
	})

	id, err := m.Start()
	require.NoError(t, err)

	th := &Thresholds{Justification: 0.5, Count: 2}
	require.NoError(t, m.Upload(context.Background(), id, sensorFiles(), "d1", th))
	require.NoError(t, m.Upload(context.Background(), id, sensorFiles(), "d2", th))

	entries := readZip(t, m, id)

	require.Contains(t, entries, "raw/d1.json")
	require.Contains(t, entries, "raw/d2.json")
	require.Contains(t, entries, "stats/svm.csv")

	// Raw files hold the full orchestrator output.
	var raw predict.Output
	require.NoError(t, json.Unmarshal(entries["raw/d1.json"], &raw))
	require.Len(t, raw.Results, 1)
	assert.Equal(t, "svm", raw.Results[0].ModelName)

	records, err := csv.NewReader(bytes.NewReader(entries["stats/svm.csv"])).ReadAll()
	require.NoError(t, err)

	// Header: one column triplet per discharge, in insertion order.
	require.NotEmpty(t, records)
	assert.Equal(t, []string{
		"d1_justification", "d1_justification_threshold", "d1_count_threshold",
		"d2_justification", "d2_justification_threshold", "d2_count_threshold",
	}, records[0])

	// Rows extend to the longest column; short columns stay blank.
	rows := records[1:]
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"0.6", "1", "0", "0.9", "1", "0"}, rows[0])
	assert.Equal(t, []string{"0.3", "0", "0", "0.9", "1", "1"}, rows[1])
	assert.Equal(t, []string{"0.8", "1", "0", "", "", ""}, rows[2])

	// The session is gone: finalising it again reports it unknown.
	_, err = m.Start()
	require.NoError(t, err)
	assert.ErrorIs(t, m.Finalize(id, io.Discard), ErrSessionNotFound)
}

func TestFinalizeRemovesScratchDir(t *testing.T) {
	m := newTestManager(t, [][]float64{{0.5}})

	id, err := m.Start()
	require.NoError(t, err)
	require.NoError(t, m.Upload(context.Background(), id, sensorFiles(), "d1", nil))

	m.mu.Lock()
	dir := m.sessions[id].dir
	m.mu.Unlock()

	var buf bytes.Buffer
	require.NoError(t, m.Finalize(id, &buf))

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "shot_42", safeName("shot 42"))
	assert.Equal(t, "a_b_c.json_", safeName("a/b:c.json?"))
	assert.Equal(t, "plain-id_1.2", safeName("plain-id_1.2"))
}

func TestCleanupOldSessions(t *testing.T) {
	m := newTestManager(t, [][]float64{{0.5}})

	id, err := m.Start()
	require.NoError(t, err)

	m.mu.Lock()
	m.sessions[id].lastAccessed = time.Now().Add(-time.Hour)
	dir := m.sessions[id].dir
	m.mu.Unlock()

	m.CleanupOldSessions(30 * time.Minute)

	m.mu.Lock()
	_, ok := m.sessions[id]
	m.mu.Unlock()
	assert.False(t, ok)

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestAutoDischargeID(t *testing.T) {
	m := newTestManager(t, [][]float64{{0.5}})

	id, err := m.Start()
	require.NoError(t, err)
	require.NoError(t, m.Upload(context.Background(), id, sensorFiles(), "", nil))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []string{fmt.Sprintf("discharge_%d", 0)}, m.sessions[id].order)
}
