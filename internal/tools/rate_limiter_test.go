package tools

import (
	"errors"
	"testing"
	"time"
)

// fakeClock lets window tests advance time without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func limiterAt(max int, window time.Duration) (*ToolRateLimiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewToolRateLimiterWindow(max, window)
	rl.now = clk.now
	return rl, clk
}

func TestNewToolRateLimiter_Disabled(t *testing.T) {
	for _, n := range []int{0, -5} {
		if rl := NewToolRateLimiter(n); rl != nil {
			t.Errorf("NewToolRateLimiter(%d) = %v, want nil", n, rl)
		}
	}
	if rl := NewToolRateLimiterWindow(3, 0); rl != nil {
		t.Errorf("zero window = %v, want nil", rl)
	}
}

func TestToolRateLimiter_BudgetPerSession(t *testing.T) {
	rl, _ := limiterAt(3, time.Hour)
	for i := range 3 {
		if err := rl.Allow("sess-1"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	err := rl.Allow("sess-1")
	if !errors.Is(err, ErrToolRateLimited) {
		t.Fatalf("4th call err = %v, want ErrToolRateLimited", err)
	}
	if err := rl.Allow("sess-2"); err != nil {
		t.Errorf("other session blocked: %v", err)
	}
	if got := rl.Remaining("sess-2"); got != 2 {
		t.Errorf("Remaining(sess-2) = %d, want 2", got)
	}
}

func TestToolRateLimiter_SlidingWindow(t *testing.T) {
	rl, clk := limiterAt(2, time.Minute)

	rl.Allow("k")
	clk.advance(40 * time.Second)
	rl.Allow("k")
	if err := rl.Allow("k"); err == nil {
		t.Fatal("allowed past the budget")
	}

	// The first call leaves the window; the second is still inside it.
	clk.advance(21 * time.Second)
	if got := rl.Remaining("k"); got != 1 {
		t.Errorf("Remaining = %d, want 1", got)
	}
	if err := rl.Allow("k"); err != nil {
		t.Errorf("call after the oldest expired: %v", err)
	}
	if err := rl.Allow("k"); err == nil {
		t.Error("allowed a third call inside the window")
	}
}

func TestToolRateLimiter_RejectionDoesNotConsume(t *testing.T) {
	rl, clk := limiterAt(1, time.Minute)
	rl.Allow("k")
	for range 5 {
		rl.Allow("k")
	}
	clk.advance(61 * time.Second)
	if err := rl.Allow("k"); err != nil {
		t.Errorf("rejected calls counted against the budget: %v", err)
	}
}
