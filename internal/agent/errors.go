package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrMaxConsecutiveErrors is the cause of a fatal LoopError once the
	// provider has failed more times in a row than the loop allows.
	ErrMaxConsecutiveErrors = errors.New("too many consecutive provider errors")
	// ErrNoProvider is returned when an agent has no provider configured.
	ErrNoProvider = errors.New("no provider configured")
	// ErrInputBlocked is returned when a message_received hook rejects the input.
	ErrInputBlocked = errors.New("input rejected")
)

// LoopError is a fatal loop failure with the state and round it happened in.
type LoopError struct {
	State    State
	Round    int
	Attempts int   // consecutive provider attempts made
	Cause    error // last provider error, or the context error
}

func (e *LoopError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("loop failed at %s (round %d, %d attempts): %v", e.State, e.Round, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("loop failed at %s (round %d): %v", e.State, e.Round, e.Cause)
}

func (e *LoopError) Unwrap() error { return e.Cause }
