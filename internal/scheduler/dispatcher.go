package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/clawworker/internal/agent"
	"github.com/nextlevelbuilder/clawworker/internal/config"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

// Dispatcher owns one TaskQueue per agent, creating queues on first use.
// It is the entry point for every task source: gateway, bus consumers, cron.
type Dispatcher struct {
	ctx    context.Context
	router *agent.Router
	config QueueConfig

	mu     sync.Mutex
	queues map[string]*TaskQueue
	closed bool
}

func NewDispatcher(ctx context.Context, router *agent.Router, cfg QueueConfig) *Dispatcher {
	return &Dispatcher{
		ctx:    ctx,
		router: router,
		config: cfg,
		queues: make(map[string]*TaskQueue),
	}
}

// Submit routes task to its agent's queue.
func (d *Dispatcher) Submit(ctx context.Context, task protocol.TaskAssignment) (<-chan Outcome, error) {
	q, err := d.Queue(task.AgentID)
	if err != nil {
		return nil, err
	}
	return q.Submit(ctx, task)
}

// Queue returns the queue for agentID, resolving the agent if needed.
func (d *Dispatcher) Queue(agentID string) (*TaskQueue, error) {
	id := config.NormalizeAgentID(agentID)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrQueueClosed
	}
	if q, ok := d.queues[id]; ok {
		return q, nil
	}
	ag, err := d.router.Get(id)
	if err != nil {
		return nil, err
	}
	q := NewTaskQueue(d.ctx, ag, d.config)
	d.queues[id] = q
	return q, nil
}

// Statuses reports every known queue, keyed by agent ID.
func (d *Dispatcher) Statuses() map[string]QueueStatus {
	d.mu.Lock()
	ids := make([]string, 0, len(d.queues))
	queues := make([]*TaskQueue, 0, len(d.queues))
	for id, q := range d.queues {
		ids = append(ids, id)
		queues = append(queues, q)
	}
	d.mu.Unlock()

	out := make(map[string]QueueStatus, len(ids))
	for i, id := range ids {
		out[id] = queues[i].Status()
	}
	return out
}

// AgentIDs lists agents that have a queue, sorted.
func (d *Dispatcher) AgentIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.queues))
	for id := range d.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every queue and rejects further submissions.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	queues := make([]*TaskQueue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Close()
		}()
	}
	wg.Wait()
}
