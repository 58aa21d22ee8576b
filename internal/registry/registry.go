package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/plasma-predict/orchestrator/internal/models"
)

// Timeouts bounds outbound node calls. Mutable at runtime via the config
// endpoints, read per-call by the node client.
type Timeouts struct {
	Model    time.Duration `json:"model"`
	Training time.Duration `json:"training"`
}

// Registry is the mutable name->node mapping the orchestrator dispatches
// against. Readers snapshot the enabled set at dispatch time, so mid-call
// mutations never produce a half-updated fan-out.
type Registry struct {
	mu       sync.RWMutex
	nodes    map[string]models.NodeDescriptor
	timeouts Timeouts
}

// New builds a registry seeded with the configured nodes.
func New(seed []models.NodeDescriptor, timeouts Timeouts) *Registry {
	r := &Registry{
		nodes:    make(map[string]models.NodeDescriptor, len(seed)),
		timeouts: timeouts,
	}
	for _, n := range seed {
		if n.Key != "" {
			r.nodes[n.Key] = n
		}
	}
	return r
}

// List returns all descriptors ordered by key.
func (r *Registry) List() []models.NodeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.NodeDescriptor, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Get returns the descriptor for a key.
func (r *Registry) Get(key string) (models.NodeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[key]
	return n, ok
}

// Upsert creates or replaces a descriptor.
func (r *Registry) Upsert(n models.NodeDescriptor) error {
	if n.Key == "" {
		return fmt.Errorf("node key is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.Key] = n
	return nil
}

// Delete removes a descriptor.
func (r *Registry) Delete(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[key]; !ok {
		return fmt.Errorf("node not found: %s", key)
	}
	delete(r.nodes, key)
	return nil
}

// SetEnabled toggles a node without touching its URLs.
func (r *Registry) SetEnabled(key string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[key]
	if !ok {
		return fmt.Errorf("node not found: %s", key)
	}
	n.Enabled = enabled
	r.nodes[key] = n
	return nil
}

// EnabledSnapshot returns the enabled nodes ordered by key. The slice is a
// copy; later registry mutations do not affect an in-flight dispatch.
func (r *Registry) EnabledSnapshot() []models.NodeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.NodeDescriptor, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Enabled {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Timeouts returns the current timeout settings.
func (r *Registry) Timeouts() Timeouts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.timeouts
}

// SetTimeouts replaces the timeout settings. Zero fields keep their
// previous value.
func (r *Registry) SetTimeouts(t Timeouts) Timeouts {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.Model > 0 {
		r.timeouts.Model = t.Model
	}
	if t.Training > 0 {
		r.timeouts.Training = t.Training
	}
	return r.timeouts
}
