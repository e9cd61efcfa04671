package agent

import (
	"context"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	base, max := time.Second, 30*time.Second
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := Backoff(base, max, i+1); got != w*time.Second {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w*time.Second)
		}
	}
	if got := Backoff(base, max, 0); got != base {
		t.Errorf("Backoff(0) = %v, want %v", got, base)
	}
	if got := Backoff(base, max, 200); got != max {
		t.Errorf("Backoff(200) = %v, want cap", got)
	}
}

func TestSleepCtx_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := sleepCtx(ctx, time.Minute); err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Error("sleep did not return promptly")
	}
}
