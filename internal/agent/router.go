package agent

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/clawworker/internal/config"
)

// ErrAgentNotFound is returned by Get for an ID no agent answers to.
var ErrAgentNotFound = errors.New("agent not found")

// ResolverFunc builds an agent that is not cached, normally from config.
type ResolverFunc func(agentID string) (Agent, error)

const defaultRouterTTL = 10 * time.Minute

type routed struct {
	agent    Agent
	cachedAt time.Time // zero for registered agents
}

func (e routed) live(ttl time.Duration) bool {
	return e.cachedAt.IsZero() || ttl <= 0 || time.Since(e.cachedAt) < ttl
}

// Router maps normalized agent IDs to agents. Resolved agents are rebuilt
// after the TTL so config edits reach new work; registered ones stay.
// Concurrent misses for one ID share a single resolver call.
type Router struct {
	mu       sync.RWMutex
	agents   map[string]routed
	resolver ResolverFunc
	ttl      time.Duration
	group    singleflight.Group

	runsMu sync.Mutex
	runs   map[string]*ActiveRun
}

func NewRouter() *Router {
	return &Router{
		agents: make(map[string]routed),
		runs:   make(map[string]*ActiveRun),
		ttl:    defaultRouterTTL,
	}
}

func (r *Router) SetResolver(fn ResolverFunc) {
	r.mu.Lock()
	r.resolver = fn
	r.mu.Unlock()
}

// SetTTL changes how long resolved agents stay cached. Zero keeps them
// until removed.
func (r *Router) SetTTL(ttl time.Duration) {
	r.mu.Lock()
	r.ttl = ttl
	r.mu.Unlock()
}

func (r *Router) Register(ag Agent) {
	r.mu.Lock()
	r.agents[config.NormalizeAgentID(ag.ID())] = routed{agent: ag}
	r.mu.Unlock()
}

// Get returns the agent for agentID, resolving and caching it on a miss
// or after its entry expired.
func (r *Router) Get(agentID string) (Agent, error) {
	id := config.NormalizeAgentID(agentID)

	r.mu.RLock()
	e, ok := r.agents[id]
	resolver, ttl := r.resolver, r.ttl
	r.mu.RUnlock()
	if ok && e.live(ttl) {
		return e.agent, nil
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		ag, err := resolver(id)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.agents[id] = routed{agent: ag, cachedAt: time.Now()}
		r.mu.Unlock()
		return ag, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Agent), nil
}

func (r *Router) Remove(agentID string) {
	r.mu.Lock()
	delete(r.agents, config.NormalizeAgentID(agentID))
	r.mu.Unlock()
}

// List returns the cached IDs in order.
func (r *Router) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.agents))
}

// AgentInfo is the summary the gateway reports per agent.
type AgentInfo struct {
	ID        string `json:"id"`
	Model     string `json:"model"`
	IsRunning bool   `json:"isRunning"`
}

func (r *Router) ListInfo() []AgentInfo {
	r.mu.RLock()
	infos := make([]AgentInfo, 0, len(r.agents))
	for _, e := range r.agents {
		infos = append(infos, AgentInfo{ID: e.agent.ID(), Model: e.agent.Model(), IsRunning: e.agent.IsRunning()})
	}
	r.mu.RUnlock()
	slices.SortFunc(infos, func(a, b AgentInfo) int { return cmp.Compare(a.ID, b.ID) })
	return infos
}

// ActiveRun is an in-flight chat turn that can be aborted.
type ActiveRun struct {
	RunID     string
	SessionID string
	AgentID   string
	Cancel    context.CancelFunc
	StartedAt time.Time
}

func (r *Router) RegisterRun(runID, sessionID, agentID string, cancel context.CancelFunc) {
	r.runsMu.Lock()
	r.runs[runID] = &ActiveRun{RunID: runID, SessionID: sessionID, AgentID: agentID, Cancel: cancel, StartedAt: time.Now()}
	r.runsMu.Unlock()
}

func (r *Router) UnregisterRun(runID string) {
	r.runsMu.Lock()
	delete(r.runs, runID)
	r.runsMu.Unlock()
}

// AbortRun cancels runID. A non-empty sessionID must match the session
// that started the run.
func (r *Router) AbortRun(runID, sessionID string) bool {
	r.runsMu.Lock()
	run, ok := r.runs[runID]
	if !ok || (sessionID != "" && run.SessionID != sessionID) {
		r.runsMu.Unlock()
		return false
	}
	delete(r.runs, runID)
	r.runsMu.Unlock()

	run.Cancel()
	return true
}

// ActiveRuns returns the tracked runs, oldest first.
func (r *Router) ActiveRuns() []ActiveRun {
	r.runsMu.Lock()
	out := make([]ActiveRun, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, *run)
	}
	r.runsMu.Unlock()
	slices.SortFunc(out, func(a, b ActiveRun) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}
