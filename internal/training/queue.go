package training

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plasma-predict/orchestrator/internal/metrics"
	"github.com/plasma-predict/orchestrator/internal/models"
	"github.com/plasma-predict/orchestrator/internal/nodeclient"
)

// queueCapacity bounds how many discharges may sit queued per node before
// batch submission blocks on the slowest node.
const queueCapacity = 256

// pushTask is one ordered delivery. release decrements the discharge's
// consumer refcount; the last consumer frees the signal buffers.
type pushTask struct {
	ordinal   int
	discharge *models.Discharge
	release   func()
}

// nodeQueue owns the strict-FIFO delivery pipeline of a single node. Tasks
// run one at a time, retries included, which is the sole mechanism behind
// monotonic ordinals at the node.
type nodeQueue struct {
	node   models.NodeDescriptor
	tasks  chan pushTask
	done   chan struct{}
	ctx    context.Context
	client *nodeclient.Client

	delivered atomic.Int64
	poisoned  atomic.Bool

	mu      sync.Mutex
	failErr string
}

func newNodeQueue(ctx context.Context, node models.NodeDescriptor, client *nodeclient.Client) *nodeQueue {
	q := &nodeQueue{
		node:   node,
		tasks:  make(chan pushTask, queueCapacity),
		done:   make(chan struct{}),
		ctx:    ctx,
		client: client,
	}
	go q.run()
	return q
}

func (q *nodeQueue) run() {
	defer close(q.done)

	for task := range q.tasks {
		if q.poisoned.Load() {
			// Drain-and-skip: the node already failed with a protocol
			// error, but refcounts must still reach zero.
			task.release()
			continue
		}

		start := time.Now()
		err := q.client.PushDischarge(q.ctx, q.node, task.ordinal, task.discharge)
		if err != nil {
			q.poisoned.Store(true)
			q.mu.Lock()
			q.failErr = err.Error()
			q.mu.Unlock()
			metrics.ObserveDelivery(time.Since(start), false)
			fmt.Printf("[Training] node %s failed at ordinal %d, skipping remaining: %v\n",
				q.node.Key, task.ordinal, err)
		} else {
			q.delivered.Add(1)
			metrics.ObserveDelivery(time.Since(start), true)
		}
		task.release()
	}
}

func (q *nodeQueue) failure() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failErr
}
