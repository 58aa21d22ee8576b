package health

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/plasma-predict/orchestrator/internal/models"
	"github.com/plasma-predict/orchestrator/internal/nodeclient"
	"github.com/plasma-predict/orchestrator/internal/registry"
)

// Node statuses in a health report.
const (
	StatusOnline   = "online"
	StatusOffline  = "offline"
	StatusDisabled = "disabled"
)

// ModelHealth is one node's probe outcome.
type ModelHealth struct {
	Key         string         `json:"key"`
	DisplayName string         `json:"displayName,omitempty"`
	Status      string         `json:"status"`
	Details     map[string]any `json:"details,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Report aggregates availability over the whole registry.
type Report struct {
	Timestamp       time.Time     `json:"timestamp"`
	Models          []ModelHealth `json:"models"`
	AvailableModels int           `json:"availableModels"`
}

// Prober checks every registered node in parallel.
type Prober struct {
	reg    *registry.Registry
	client *nodeclient.Client
}

// NewProber builds a prober over the given registry.
func NewProber(reg *registry.Registry, client *nodeclient.Client) *Prober {
	return &Prober{reg: reg, client: client}
}

// Check probes all registered nodes concurrently. Disabled nodes are
// reported without a call; each probe is bounded by the model timeout, so a
// hung node never stalls the aggregate beyond that.
func (p *Prober) Check(ctx context.Context) *Report {
	nodes := p.reg.List()
	results := make([]ModelHealth, len(nodes))

	wp := pool.New().WithMaxGoroutines(8)
	for i, node := range nodes {
		i, node := i, node
		wp.Go(func() {
			results[i] = p.probe(ctx, node)
		})
	}
	wp.Wait()

	available := 0
	for _, r := range results {
		if r.Status == StatusOnline {
			available++
		}
	}

	return &Report{
		Timestamp:       time.Now(),
		Models:          results,
		AvailableModels: available,
	}
}

func (p *Prober) probe(ctx context.Context, node models.NodeDescriptor) ModelHealth {
	h := ModelHealth{Key: node.Key, DisplayName: node.DisplayName}

	if !node.Enabled {
		h.Status = StatusDisabled
		return h
	}

	details, err := p.client.Health(ctx, node)
	if err != nil {
		h.Status = StatusOffline
		h.Error = err.Error()
		return h
	}

	h.Details = details
	if s, ok := details["status"].(string); ok {
		h.Status = s
	} else {
		h.Status = StatusOnline
	}
	return h
}
