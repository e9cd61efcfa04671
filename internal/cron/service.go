package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	runLogCap     = 200
	defaultRunLog = 20
	pollInterval  = time.Second
)

// Service owns the job list, persists it after every mutation, and fires
// due jobs through the handler from a single polling goroutine.
type Service struct {
	storePath string

	mu       sync.Mutex
	store    Store
	onJob    JobHandler
	retryCfg RetryConfig
	runLog   []RunLogEntry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService returns a service persisting to storePath. An empty path keeps
// jobs in memory only.
func NewService(storePath string, onJob JobHandler) *Service {
	return &Service{
		storePath: storePath,
		store:     Store{Version: 1},
		onJob:     onJob,
		retryCfg:  DefaultRetryConfig(),
	}
}

func (cs *Service) SetRetryConfig(cfg RetryConfig) {
	cs.mu.Lock()
	cs.retryCfg = cfg
	cs.mu.Unlock()
}

func (cs *Service) SetOnJob(handler JobHandler) {
	cs.mu.Lock()
	cs.onJob = handler
	cs.mu.Unlock()
}

// Start loads persisted jobs, schedules enabled ones that have no pending
// run, and begins polling. Calling Start twice is a no-op.
func (cs *Service) Start() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.done != nil {
		return nil
	}

	if err := cs.read(); err != nil {
		slog.Warn("cron: unreadable store, starting empty", "path", cs.storePath, "error", err)
		cs.store = Store{Version: 1}
	}
	now := nowMS()
	for i := range cs.store.Jobs {
		if j := &cs.store.Jobs[i]; j.Enabled && j.State.NextRunAtMS == nil {
			j.State.NextRunAtMS = j.Schedule.nextAfter(now)
		}
	}
	cs.persist()

	cs.ctx, cs.cancel = context.WithCancel(context.Background())
	cs.done = make(chan struct{})
	go cs.poll(cs.done)

	slog.Info("cron service started", "jobs", len(cs.store.Jobs))
	return nil
}

// Load reads persisted jobs without polling, for offline edits.
func (cs *Service) Load() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.read()
}

func (cs *Service) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.done == nil {
		return
	}
	close(cs.done)
	cs.cancel()
	cs.ctx, cs.cancel, cs.done = nil, nil, nil
	slog.Info("cron service stopped")
}

func (cs *Service) AddJob(name, agentID string, schedule Schedule, payload Payload) (*Job, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.insert(name, agentID, schedule, payload)
}

// EnsureJob makes the job called name match the given definition, creating
// it when absent. An update keeps runtime state unless the schedule changed.
// Jobs seeded from configuration go through here.
func (cs *Service) EnsureJob(name, agentID string, schedule Schedule, payload Payload) (*Job, bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	idx := -1
	for i := range cs.store.Jobs {
		if cs.store.Jobs[i].Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		job, err := cs.insert(name, agentID, schedule, payload)
		return job, err == nil, err
	}

	if err := schedule.validate(); err != nil {
		return nil, false, fmt.Errorf("invalid schedule: %w", err)
	}
	job := &cs.store.Jobs[idx]
	reschedule := job.Enabled && !job.Schedule.equal(schedule)
	job.AgentID, job.Schedule, job.Payload = agentID, schedule, payload
	job.UpdatedAtMS = nowMS()
	if reschedule {
		job.State.NextRunAtMS = job.Schedule.nextAfter(job.UpdatedAtMS)
	}
	cs.persist()
	out := *job
	return &out, false, nil
}

func (cs *Service) insert(name, agentID string, schedule Schedule, payload Payload) (*Job, error) {
	switch err := schedule.validate(); {
	case err != nil:
		return nil, fmt.Errorf("invalid schedule: %w", err)
	case agentID == "":
		return nil, fmt.Errorf("job %q has no agent", name)
	case payload.Title == "":
		return nil, fmt.Errorf("job %q has no task title", name)
	}

	now := nowMS()
	job := Job{
		ID:             generateID(),
		Name:           name,
		AgentID:        agentID,
		Enabled:        true,
		Schedule:       schedule,
		Payload:        payload,
		CreatedAtMS:    now,
		UpdatedAtMS:    now,
		DeleteAfterRun: schedule.Kind == "at",
	}
	job.State.NextRunAtMS = job.Schedule.nextAfter(now)
	cs.store.Jobs = append(cs.store.Jobs, job)
	cs.persist()

	slog.Info("cron job added", "id", job.ID, "name", name, "kind", schedule.Kind)
	return &job, nil
}

// index returns the slice position of jobID or -1. Callers hold mu.
func (cs *Service) index(jobID string) int {
	for i := range cs.store.Jobs {
		if cs.store.Jobs[i].ID == jobID {
			return i
		}
	}
	return -1
}

func notFound(jobID string) error { return fmt.Errorf("%w: %s", ErrJobNotFound, jobID) }

func (cs *Service) RemoveJob(jobID string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	i := cs.index(jobID)
	if i < 0 {
		return notFound(jobID)
	}
	cs.store.Jobs = append(cs.store.Jobs[:i], cs.store.Jobs[i+1:]...)
	cs.persist()
	slog.Info("cron job removed", "id", jobID)
	return nil
}

func (cs *Service) EnableJob(jobID string, enabled bool) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	i := cs.index(jobID)
	if i < 0 {
		return notFound(jobID)
	}
	job := &cs.store.Jobs[i]
	job.Enabled = enabled
	job.UpdatedAtMS = nowMS()
	cs.reschedule(job)
	cs.persist()
	slog.Info("cron job toggled", "id", jobID, "enabled", enabled)
	return nil
}

// reschedule recomputes the next run from now, clearing it for disabled jobs.
func (cs *Service) reschedule(job *Job) {
	if !job.Enabled {
		job.State.NextRunAtMS = nil
		return
	}
	job.State.NextRunAtMS = job.Schedule.nextAfter(nowMS())
}

func (cs *Service) ListJobs(includeDisabled bool) []Job {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]Job, 0, len(cs.store.Jobs))
	for _, job := range cs.store.Jobs {
		if job.Enabled || includeDisabled {
			out = append(out, job)
		}
	}
	return out
}

func (cs *Service) GetJob(jobID string) (*Job, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	i := cs.index(jobID)
	if i < 0 {
		return nil, false
	}
	job := cs.store.Jobs[i]
	return &job, true
}

// UpdateJob applies the non-empty fields of patch and reschedules the job.
func (cs *Service) UpdateJob(jobID string, patch JobPatch) (*Job, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	i := cs.index(jobID)
	if i < 0 {
		return nil, notFound(jobID)
	}
	if patch.Schedule != nil {
		if err := patch.Schedule.validate(); err != nil {
			return nil, fmt.Errorf("invalid schedule: %w", err)
		}
	}

	job := &cs.store.Jobs[i]
	patch.apply(job)
	job.UpdatedAtMS = nowMS()
	cs.reschedule(job)
	cs.persist()

	slog.Info("cron job updated", "id", jobID)
	out := *job
	return &out, nil
}

func (p JobPatch) apply(job *Job) {
	if p.Name != "" {
		job.Name = p.Name
	}
	if p.AgentID != nil {
		job.AgentID = *p.AgentID
	}
	if p.Enabled != nil {
		job.Enabled = *p.Enabled
	}
	if p.Schedule != nil {
		job.Schedule = *p.Schedule
	}
	if p.Payload != nil {
		job.Payload = *p.Payload
	}
	if p.DeleteAfterRun != nil {
		job.DeleteAfterRun = *p.DeleteAfterRun
	}
}

// RunJob fires a job now. Without force it only fires when due and reports
// "not-due" otherwise. It returns whether the job ran and the handler's
// summary.
func (cs *Service) RunJob(jobID string, force bool) (bool, string, error) {
	cs.mu.Lock()
	i := cs.index(jobID)
	if i < 0 {
		cs.mu.Unlock()
		return false, "", notFound(jobID)
	}
	job := cs.store.Jobs[i]
	hasHandler := cs.onJob != nil
	cs.mu.Unlock()

	if !hasHandler {
		return false, "", fmt.Errorf("no job handler configured")
	}
	if !force && (job.State.NextRunAtMS == nil || *job.State.NextRunAtMS > nowMS()) {
		return false, "not-due", nil
	}

	slog.Info("cron manual run", "id", job.ID, "name", job.Name, "force", force)
	summary, err := cs.fire(job)
	if err != nil {
		return true, "", err
	}
	return true, summary, nil
}

func (cs *Service) GetRunLog(jobID string, limit int) []RunLogEntry {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if limit <= 0 {
		limit = defaultRunLog
	}
	var out []RunLogEntry
	for i := len(cs.runLog) - 1; i >= 0 && len(out) < limit; i-- {
		if e := cs.runLog[i]; jobID == "" || e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

func (cs *Service) Status() map[string]any {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return map[string]any{
		"enabled":      cs.done != nil,
		"jobs":         len(cs.store.Jobs),
		"nextWakeAtMs": cs.nextWake(),
	}
}

func (cs *Service) nextWake() *int64 {
	var earliest *int64
	for _, job := range cs.store.Jobs {
		next := job.State.NextRunAtMS
		if job.Enabled && next != nil && (earliest == nil || *next < *earliest) {
			earliest = next
		}
	}
	return earliest
}

func (cs *Service) poll(done chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, job := range cs.claimDue() {
				slog.Info("cron executing job", "id", job.ID, "name", job.Name)
				cs.fire(job)
			}
		}
	}
}

// claimDue snapshots due jobs and clears their next run so a slow handler
// cannot see them fire twice.
func (cs *Service) claimDue() []Job {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	now := nowMS()
	var due []Job
	for i := range cs.store.Jobs {
		job := &cs.store.Jobs[i]
		if !job.Enabled || job.State.NextRunAtMS == nil || *job.State.NextRunAtMS > now {
			continue
		}
		job.State.NextRunAtMS = nil
		due = append(due, *job)
	}
	if len(due) > 0 {
		cs.persist()
	}
	return due
}

// fire runs the handler with retries outside the lock, then settles the
// job's state and appends to the run log.
func (cs *Service) fire(job Job) (string, error) {
	cs.mu.Lock()
	handler, cfg, ctx := cs.onJob, cs.retryCfg, cs.ctx
	cs.mu.Unlock()
	if handler == nil {
		return "", fmt.Errorf("no job handler configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	summary, attempts, err := ExecuteWithRetry(ctx, func() (string, error) {
		return handler(ctx, &job)
	}, cfg)
	if attempts > 1 {
		slog.Info("cron job retried", "id", job.ID, "attempts", attempts, "success", err == nil)
	}
	if err != nil {
		slog.Error("cron job failed", "id", job.ID, "error", err)
	} else {
		slog.Info("cron job fired", "id", job.ID, "summary", summary)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.settle(job.ID, summary, err)
	cs.record(job.ID, summary, err)
	return summary, err
}

// settle writes the outcome of a firing into the stored job. One-shot jobs
// are dropped; jobs whose schedule is exhausted are disabled.
func (cs *Service) settle(jobID, summary string, err error) {
	i := cs.index(jobID)
	if i < 0 {
		return
	}
	job := &cs.store.Jobs[i]
	now := nowMS()
	job.State.LastRunAtMS = &now
	if err != nil {
		job.State.LastStatus, job.State.LastError = "error", err.Error()
	} else {
		job.State.LastStatus, job.State.LastError, job.State.LastTaskID = "ok", "", summary
	}

	switch {
	case job.DeleteAfterRun:
		cs.store.Jobs = append(cs.store.Jobs[:i], cs.store.Jobs[i+1:]...)
	default:
		job.State.NextRunAtMS = job.Schedule.nextAfter(now)
		if job.State.NextRunAtMS == nil {
			job.Enabled = false
		}
	}
	cs.persist()
}

func (cs *Service) record(jobID, summary string, err error) {
	entry := RunLogEntry{Ts: nowMS(), JobID: jobID, Status: "ok", Summary: TruncateOutput(summary)}
	if err != nil {
		entry.Status, entry.Error, entry.Summary = "error", err.Error(), ""
	}
	cs.runLog = append(cs.runLog, entry)
	if over := len(cs.runLog) - runLogCap; over > 0 {
		cs.runLog = append(cs.runLog[:0], cs.runLog[over:]...)
	}
}

func (cs *Service) read() error {
	if cs.storePath == "" {
		return nil
	}
	data, err := os.ReadFile(cs.storePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &cs.store)
}

// persist writes the store through a temp file and rename so a crash never
// leaves a truncated file. Failures are logged; the in-memory state stays
// authoritative.
func (cs *Service) persist() {
	if cs.storePath == "" {
		return
	}
	if err := cs.write(); err != nil {
		slog.Error("cron: persist store", "path", cs.storePath, "error", err)
	}
}

func (cs *Service) write() error {
	data, err := json.MarshalIndent(cs.store, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(cs.storePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".cron-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), cs.storePath)
}
