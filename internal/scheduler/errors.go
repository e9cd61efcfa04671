package scheduler

import "errors"

var (
	// ErrQueueFull is returned when a task arrives while one is active and the backlog is at capacity.
	ErrQueueFull = errors.New("task queue is full")

	// ErrQueueClosed is returned for tasks submitted after Close, and delivered to backlog entries drained by it.
	ErrQueueClosed = errors.New("task queue is closed")

	// ErrTaskPanicked is wrapped into the outcome of a task whose run panicked.
	ErrTaskPanicked = errors.New("task panicked")
)
