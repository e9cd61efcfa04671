package cron

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func fastRetry(n int) RetryConfig {
	return RetryConfig{MaxRetries: n, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestExecuteWithRetry(t *testing.T) {
	errBusy := errors.New("busy")

	cases := []struct {
		name      string
		retries   int
		failFirst int
		wantCalls int
		wantOut   string
		wantErr   bool
	}{
		{name: "first try", retries: 3, failFirst: 0, wantCalls: 1, wantOut: "t-1"},
		{name: "recovers", retries: 3, failFirst: 2, wantCalls: 3, wantOut: "t-3"},
		{name: "exhausted", retries: 2, failFirst: 10, wantCalls: 3, wantErr: true},
		{name: "no retries", retries: 0, failFirst: 10, wantCalls: 1, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			out, attempts, err := ExecuteWithRetry(context.Background(), func() (string, error) {
				calls++
				if calls <= tc.failFirst {
					return "", errBusy
				}
				return "t-" + string(rune('0'+calls)), nil
			}, fastRetry(tc.retries))

			if tc.wantErr != (err != nil) {
				t.Fatalf("err = %v", err)
			}
			if tc.wantErr && !errors.Is(err, errBusy) {
				t.Errorf("err = %v, want last handler error", err)
			}
			if calls != tc.wantCalls || attempts != tc.wantCalls {
				t.Errorf("calls = %d attempts = %d, want %d", calls, attempts, tc.wantCalls)
			}
			if out != tc.wantOut {
				t.Errorf("out = %q, want %q", out, tc.wantOut)
			}
		})
	}
}

func TestExecuteWithRetry_PermanentErrorStops(t *testing.T) {
	unknown := errors.New("unknown agent")
	cfg := fastRetry(3)
	cfg.Retryable = func(err error) bool { return !errors.Is(err, unknown) }

	calls := 0
	_, attempts, err := ExecuteWithRetry(context.Background(), func() (string, error) {
		calls++
		return "", unknown
	}, cfg)
	if !errors.Is(err, unknown) || calls != 1 || attempts != 1 {
		t.Errorf("err = %v calls = %d attempts = %d", err, calls, attempts)
	}
}

func TestExecuteWithRetry_CancelledContextSkipsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, attempts, err := ExecuteWithRetry(ctx, func() (string, error) {
		return "", errors.New("busy")
	}, RetryConfig{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour})
	if err == nil || attempts != 1 {
		t.Errorf("err = %v attempts = %d", err, attempts)
	}
	if time.Since(start) > time.Second {
		t.Error("slept through backoff with a cancelled context")
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base, ceiling := 100*time.Millisecond, time.Second

	cases := []struct {
		attempt int
		centre  time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{5, time.Second},
		{80, time.Second},
	}
	for _, tc := range cases {
		for range 20 {
			d := backoffWithJitter(base, ceiling, tc.attempt)
			if lo, hi := tc.centre*3/4, tc.centre*5/4; d < lo || d > hi {
				t.Fatalf("attempt %d: %v outside [%v, %v]", tc.attempt, d, lo, hi)
			}
		}
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxRetries != 3 || cfg.BaseDelay != 2*time.Second || cfg.MaxDelay != 30*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestTruncateOutput(t *testing.T) {
	if s := strings.Repeat("a", maxOutputBytes); TruncateOutput(s) != s {
		t.Error("output at the limit was truncated")
	}

	long := TruncateOutput(strings.Repeat("x", maxOutputBytes+100))
	if !strings.HasSuffix(long, truncatedSuffix) || len(long) != maxOutputBytes+len(truncatedSuffix) {
		t.Errorf("len = %d", len(long))
	}

	// A three-byte rune straddling the limit is dropped whole.
	s := strings.Repeat("a", maxOutputBytes-1) + "€" + "tail"
	got := TruncateOutput(s)
	if !utf8.ValidString(got) || strings.Contains(got, "€") {
		t.Errorf("cut inside a rune: %q", got[len(got)-20:])
	}
}
