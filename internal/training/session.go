package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"

	"github.com/plasma-predict/orchestrator/internal/models"
	"github.com/plasma-predict/orchestrator/internal/nodeclient"
	"github.com/plasma-predict/orchestrator/internal/registry"
)

// State is the training session lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateActive    State = "active"
	StateFinishing State = "finishing"
)

var (
	// ErrSessionActive rejects a second concurrent training session.
	ErrSessionActive = errors.New("a training session is already in progress")
	// ErrNotActive rejects batches and finishes outside an active session.
	ErrNotActive = errors.New("no active training session")
	// ErrNoNodesEnabled rejects a start with an empty enabled set.
	ErrNoNodesEnabled = errors.New("no models are enabled")
	// ErrNoAcceptors rejects a start every node declined.
	ErrNoAcceptors = errors.New("no node accepted the training session")
)

// NodeStartDetail reports one node's answer to the session preamble.
type NodeStartDetail struct {
	Key                string `json:"key"`
	Status             string `json:"status"` // accepted | failed
	ExpectedDischarges int    `json:"expectedDischarges,omitempty"`
	Error              string `json:"error,omitempty"`
}

// StartResult summarises session startup across the fleet.
type StartResult struct {
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Details    []NodeStartDetail `json:"details"`
}

// BatchResult reports one batch submission.
type BatchResult struct {
	Accepted   int  `json:"accepted"`
	Duplicates int  `json:"duplicates"`
	Rejected   int  `json:"rejected"`
	Enqueued   int  `json:"enqueued"`
	Finished   bool `json:"finished"`
}

// NodeOutcome is one node's final delivery tally.
type NodeOutcome struct {
	Key       string `json:"key"`
	Status    string `json:"status"` // ok | failed
	Delivered int    `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// FinishResult summarises a completed session.
type FinishResult struct {
	TotalDischarges int           `json:"totalDischarges"`
	Enqueued        int           `json:"enqueued"`
	Nodes           []NodeOutcome `json:"nodes"`
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	State           State         `json:"state"`
	TotalDischarges int           `json:"totalDischarges"`
	Enqueued        int           `json:"enqueued"`
	AutoFinish      bool          `json:"autoFinish"`
	Nodes           []NodeOutcome `json:"nodes,omitempty"`
}

// Manager owns the process-wide training session: at most one active at a
// time, observable by ordinal discipline at every node.
type Manager struct {
	reg       *registry.Registry
	client    *nodeclient.Client
	summaries *SummaryStore

	mu         sync.Mutex
	state      State
	total      int
	enqueued   int
	autoFinish bool
	seen       map[string]struct{}
	queues     map[string]*nodeQueue

	// batchMu serialises batch bodies against queue closure so a task is
	// never sent on a closed channel.
	batchMu sync.Mutex

	sessionCancel context.CancelFunc

	onRelease func(id string)
}

// NewManager wires the training scheduler. The summary store may be nil.
func NewManager(reg *registry.Registry, client *nodeclient.Client, summaries *SummaryStore) *Manager {
	return &Manager{
		reg:       reg,
		client:    client,
		summaries: summaries,
		state:     StateIdle,
	}
}

// SetReleaseHook installs an observer invoked with each discharge ID when
// its buffers are freed. Tests use it to verify bounded memory; install
// before starting a session.
func (m *Manager) SetReleaseHook(fn func(id string)) {
	m.onRelease = fn
}

// Start opens a training session against every enabled node. Nodes that
// reject the preamble are excluded from the session; the rest proceed. The
// request context bounds the preamble calls.
func (m *Manager) Start(ctx context.Context, totalDischarges int, autoFinish bool) (*StartResult, error) {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	m.state = StateStarting
	m.mu.Unlock()

	nodes := m.reg.EnabledSnapshot()
	if len(nodes) == 0 {
		m.reset()
		return nil, ErrNoNodesEnabled
	}

	fmt.Printf("[Training] starting session: total=%d autoFinish=%v nodes=%d\n",
		totalDischarges, autoFinish, len(nodes))

	details := make([]NodeStartDetail, len(nodes))
	wp := pool.New().WithMaxGoroutines(len(nodes))
	for i, node := range nodes {
		i, node := i, node
		wp.Go(func() {
			ack, err := m.client.StartTraining(ctx, node, totalDischarges)
			if err != nil {
				details[i] = NodeStartDetail{Key: node.Key, Status: "failed", Error: err.Error()}
				return
			}
			details[i] = NodeStartDetail{
				Key:                node.Key,
				Status:             "accepted",
				ExpectedDischarges: ack.ExpectedDischarges,
			}
		})
	}
	wp.Wait()

	result := &StartResult{Details: details}
	sessionCtx, cancel := context.WithCancel(context.Background())

	queues := make(map[string]*nodeQueue)
	for i, node := range nodes {
		if details[i].Status != "accepted" {
			result.Failed++
			continue
		}
		result.Successful++
		queues[node.Key] = newNodeQueue(sessionCtx, node, m.client)
	}

	if result.Successful == 0 {
		cancel()
		m.reset()
		return result, ErrNoAcceptors
	}

	m.mu.Lock()
	m.state = StateActive
	m.total = totalDischarges
	m.enqueued = 0
	m.autoFinish = autoFinish
	m.seen = make(map[string]struct{})
	m.queues = queues
	m.sessionCancel = cancel
	m.mu.Unlock()

	return result, nil
}

// SubmitBatch feeds discharges into the active session. Duplicates by ID
// are skipped silently; each accepted discharge consumes the next ordinal
// and is appended to every node's serial queue. With autoFinish off the
// announced total grows lazily; with autoFinish on, reaching it finishes
// the session once all queues drain.
func (m *Manager) SubmitBatch(discharges []*models.Discharge) (*BatchResult, error) {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()

	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return nil, ErrNotActive
	}
	queues := make([]*nodeQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	result := &BatchResult{}

	for _, d := range discharges {
		m.mu.Lock()
		if d.ID == "" {
			d.ID = models.AutoID(m.enqueued)
		}
		if _, dup := m.seen[d.ID]; dup {
			m.mu.Unlock()
			result.Duplicates++
			continue
		}
		if m.autoFinish && m.enqueued >= m.total {
			m.mu.Unlock()
			result.Rejected++
			continue
		}
		m.seen[d.ID] = struct{}{}
		m.enqueued++
		seq := m.enqueued
		if !m.autoFinish && m.enqueued > m.total {
			m.total = m.enqueued
		}
		m.mu.Unlock()

		m.fanOut(queues, seq, d)
		result.Accepted++
	}

	m.mu.Lock()
	result.Enqueued = m.enqueued
	shouldFinish := m.autoFinish && m.state == StateActive && m.total > 0 && m.enqueued == m.total
	if shouldFinish {
		m.state = StateFinishing
		result.Finished = true
	}
	m.mu.Unlock()

	if shouldFinish {
		go func() {
			res := m.drainAndClose()
			m.recordSummary("auto_completed", res)
			fmt.Printf("[Training] session auto-finished: %d discharges\n", res.Enqueued)
		}()
	}

	return result, nil
}

// fanOut enqueues one discharge to every node with a shared refcount; the
// last consumer releases the signal buffers.
func (m *Manager) fanOut(queues []*nodeQueue, seq int, d *models.Discharge) {
	remaining := int32(len(queues))
	release := func() {
		if atomic.AddInt32(&remaining, -1) == 0 {
			d.Release()
			if m.onRelease != nil {
				m.onRelease(d.ID)
			}
		}
	}
	for _, q := range queues {
		q.tasks <- pushTask{ordinal: seq, discharge: d, release: release}
	}
}

// Finish closes the session explicitly: waits for every queue to drain,
// tallies deliveries, and returns the manager to idle.
func (m *Manager) Finish() (*FinishResult, error) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return nil, ErrNotActive
	}
	m.state = StateFinishing
	m.mu.Unlock()

	result := m.drainAndClose()
	m.recordSummary("completed", result)
	fmt.Printf("[Training] session finished: %d discharges\n", result.Enqueued)
	return result, nil
}

// Shutdown cancels the session mid-flight: queues are cancelled with no
// guarantee the last discharge reached every node.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cancel := m.sessionCancel
	active := m.state == StateActive
	if active {
		m.state = StateFinishing
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if active {
		m.drainAndClose()
	}
}

// Status snapshots the session for the status endpoint.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		State:           m.state,
		TotalDischarges: m.total,
		Enqueued:        m.enqueued,
		AutoFinish:      m.autoFinish,
	}
	for _, q := range m.queues {
		s.Nodes = append(s.Nodes, nodeOutcome(q))
	}
	return s
}

func (m *Manager) drainAndClose() *FinishResult {
	m.batchMu.Lock()
	defer m.batchMu.Unlock()

	m.mu.Lock()
	queues := m.queues
	cancel := m.sessionCancel
	result := &FinishResult{TotalDischarges: m.total, Enqueued: m.enqueued}
	m.mu.Unlock()

	for _, q := range queues {
		close(q.tasks)
	}
	for _, q := range queues {
		<-q.done
	}
	if cancel != nil {
		cancel()
	}

	for _, q := range queues {
		result.Nodes = append(result.Nodes, nodeOutcome(q))
	}

	m.reset()
	return result
}

func (m *Manager) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = StateIdle
	m.total = 0
	m.enqueued = 0
	m.autoFinish = false
	m.seen = nil
	m.queues = nil
	m.sessionCancel = nil
}

func (m *Manager) recordSummary(status string, res *FinishResult) {
	if m.summaries == nil {
		return
	}
	nodes := make([]map[string]any, 0, len(res.Nodes))
	for _, n := range res.Nodes {
		entry := map[string]any{
			"key":       n.Key,
			"status":    n.Status,
			"delivered": n.Delivered,
		}
		if n.Error != "" {
			entry["error"] = n.Error
		}
		nodes = append(nodes, entry)
	}
	_ = m.summaries.Record(models.TrainingSummary{
		"status":          status,
		"totalDischarges": res.TotalDischarges,
		"enqueued":        res.Enqueued,
		"nodes":           nodes,
	})
}

func nodeOutcome(q *nodeQueue) NodeOutcome {
	out := NodeOutcome{
		Key:       q.node.Key,
		Status:    "ok",
		Delivered: int(q.delivered.Load()),
	}
	if q.poisoned.Load() {
		out.Status = "failed"
		out.Error = q.failure()
	}
	return out
}
