package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasma-predict/orchestrator/internal/models"
)

func seedNodes() []models.NodeDescriptor {
	return []models.NodeDescriptor{
		{Key: "svm", DisplayName: "SVM", PredictURL: "http://svm/predict", Enabled: true},
		{Key: "cnn", DisplayName: "CNN", PredictURL: "http://cnn/predict", Enabled: false},
	}
}

func TestRegistryCRUD(t *testing.T) {
	r := New(seedNodes(), Timeouts{Model: time.Second, Training: time.Minute})

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "cnn", list[0].Key, "list is ordered by key")

	n, ok := r.Get("svm")
	require.True(t, ok)
	assert.Equal(t, "SVM", n.DisplayName)

	require.NoError(t, r.Upsert(models.NodeDescriptor{Key: "lstm", Enabled: true}))
	assert.Len(t, r.List(), 3)

	assert.Error(t, r.Upsert(models.NodeDescriptor{}), "key is required")

	require.NoError(t, r.Delete("cnn"))
	_, ok = r.Get("cnn")
	assert.False(t, ok)

	assert.Error(t, r.Delete("missing"))
}

func TestRegistrySetEnabled(t *testing.T) {
	r := New(seedNodes(), Timeouts{})

	require.NoError(t, r.SetEnabled("cnn", true))
	n, _ := r.Get("cnn")
	assert.True(t, n.Enabled)

	assert.Error(t, r.SetEnabled("missing", true))
}

func TestEnabledSnapshotIsCopy(t *testing.T) {
	r := New(seedNodes(), Timeouts{})

	snapshot := r.EnabledSnapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "svm", snapshot[0].Key)

	// Mutating the registry after the snapshot must not change it.
	require.NoError(t, r.SetEnabled("svm", false))
	assert.True(t, snapshot[0].Enabled)
	assert.Empty(t, r.EnabledSnapshot())
}

func TestTimeouts(t *testing.T) {
	r := New(nil, Timeouts{Model: 30 * time.Second, Training: 2 * time.Hour})

	updated := r.SetTimeouts(Timeouts{Model: 5 * time.Second})
	assert.Equal(t, 5*time.Second, updated.Model)
	assert.Equal(t, 2*time.Hour, updated.Training, "zero fields keep their value")

	assert.Equal(t, updated, r.Timeouts())
}
