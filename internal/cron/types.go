// Package cron submits recurring task assignments to the task queue.
// Jobs are persisted to JSON and fire through a callback, normally
// scheduler.Dispatcher.Submit.
//
// Three schedule types are supported:
//   - "at":    one-time execution at a specific timestamp
//   - "every": recurring interval (in milliseconds)
//   - "cron":  standard cron expression (5-field, parsed by gronx)
package cron

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

// ErrJobNotFound is returned for operations on an unknown job ID.
var ErrJobNotFound = errors.New("cron job not found")

// Schedule defines when a job should run.
type Schedule struct {
	Kind    string `json:"kind"`              // "at", "every", or "cron"
	AtMS    *int64 `json:"atMs,omitempty"`    // absolute timestamp (for "at")
	EveryMS *int64 `json:"everyMs,omitempty"` // interval in milliseconds (for "every")
	Expr    string `json:"expr,omitempty"`    // cron expression (for "cron")
}

// Payload is the task a job assigns each time it fires.
type Payload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

// JobState tracks runtime state for a job.
type JobState struct {
	NextRunAtMS *int64 `json:"nextRunAtMs,omitempty"` // next scheduled execution
	LastRunAtMS *int64 `json:"lastRunAtMs,omitempty"` // last execution timestamp
	LastStatus  string `json:"lastStatus,omitempty"`  // "ok" or "error"
	LastError   string `json:"lastError,omitempty"`   // error message if failed
	LastTaskID  string `json:"lastTaskId,omitempty"`
}

// Job represents a scheduled cron job.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	AgentID        string   `json:"agentId"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMS    int64    `json:"createdAtMs"`
	UpdatedAtMS    int64    `json:"updatedAtMs"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
}

// Task builds the assignment for one firing. Task IDs are unique per
// firing so the inbound dedupe never swallows a recurring job.
func (j *Job) Task(firedAt time.Time) protocol.TaskAssignment {
	return protocol.TaskAssignment{
		TaskID:      fmt.Sprintf("cron-%s-%d", j.ID, firedAt.UnixMilli()),
		AgentID:     j.AgentID,
		Title:       j.Payload.Title,
		Description: j.Payload.Description,
		Priority:    j.Payload.Priority,
	}
}

// Store is the persistent store for all cron jobs.
type Store struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// JobPatch holds optional fields for updating a job.
// Only non-zero/non-nil fields are applied.
type JobPatch struct {
	Name           string    `json:"name,omitempty"`
	AgentID        *string   `json:"agentId,omitempty"`
	Enabled        *bool     `json:"enabled,omitempty"`
	Schedule       *Schedule `json:"schedule,omitempty"`
	Payload        *Payload  `json:"payload,omitempty"`
	DeleteAfterRun *bool     `json:"deleteAfterRun,omitempty"`
}

// RunLogEntry is an in-memory record of a job execution.
type RunLogEntry struct {
	Ts      int64  `json:"ts"`
	JobID   string `json:"jobId"`
	Status  string `json:"status,omitempty"` // "ok", "error"
	Error   string `json:"error,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// JobHandler is invoked when a job fires. It returns a short summary for
// the run log (typically the submitted task ID).
type JobHandler func(ctx context.Context, job *Job) (string, error)

// generateID creates a random 8-byte hex ID for a new job.
func generateID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// nowMS returns the current time in milliseconds.
func nowMS() int64 {
	return time.Now().UnixMilli()
}
