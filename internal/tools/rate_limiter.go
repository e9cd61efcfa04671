package tools

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrToolRateLimited is wrapped by the error Allow returns once a session
// has used its budget.
var ErrToolRateLimited = errors.New("tool rate limit exceeded")

const maxTrackedSessions = 10_000

// ToolRateLimiter caps tool calls per session over a sliding window. A
// session idle for a whole window is forgotten; past maxTrackedSessions the
// least recently active one is.
type ToolRateLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	sessions *expirable.LRU[string, []time.Time]
}

// NewToolRateLimiter allows maxPerHour calls per session per hour. It
// returns nil, meaning unlimited, for non-positive values.
func NewToolRateLimiter(maxPerHour int) *ToolRateLimiter {
	return NewToolRateLimiterWindow(maxPerHour, time.Hour)
}

func NewToolRateLimiterWindow(max int, window time.Duration) *ToolRateLimiter {
	if max <= 0 || window <= 0 {
		return nil
	}
	return &ToolRateLimiter{
		max:      max,
		window:   window,
		now:      time.Now,
		sessions: expirable.NewLRU[string, []time.Time](maxTrackedSessions, nil, window),
	}
}

// Allow records a call for key, or reports how long until one is allowed.
func (rl *ToolRateLimiter) Allow(key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	calls, _ := rl.sessions.Peek(key)
	calls = sinceCutoff(calls, now.Add(-rl.window))

	if len(calls) >= rl.max {
		retryIn := calls[0].Add(rl.window).Sub(now).Round(time.Second)
		rl.sessions.Add(key, calls)
		return fmt.Errorf("%w: %d calls per %s for session %s, retry in %s",
			ErrToolRateLimited, rl.max, rl.window, key, retryIn)
	}
	rl.sessions.Add(key, append(calls, now))
	return nil
}

// Remaining reports how many calls key may still make in the current window.
func (rl *ToolRateLimiter) Remaining(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	calls, _ := rl.sessions.Peek(key)
	return rl.max - len(sinceCutoff(calls, rl.now().Add(-rl.window)))
}

// sinceCutoff drops the leading timestamps at or before cutoff.
func sinceCutoff(calls []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(calls) && !calls[i].After(cutoff) {
		i++
	}
	return calls[i:]
}
