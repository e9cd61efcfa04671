package cron

import (
	"context"
	"math/rand/v2"
	"time"
	"unicode/utf8"
)

// RetryConfig bounds how often a failed firing is retried. Delays double
// from BaseDelay up to MaxDelay, each with ±25% jitter.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Retryable reports whether err is transient. Nil treats every error
	// as transient.
	Retryable func(error) bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

func (c RetryConfig) retryable(err error) bool {
	return c.Retryable == nil || c.Retryable(err)
}

// ExecuteWithRetry calls fn until it succeeds, returns a permanent error,
// exhausts MaxRetries, or ctx is cancelled while waiting. It reports the
// number of calls made alongside the final result.
func ExecuteWithRetry(ctx context.Context, fn func() (string, error), cfg RetryConfig) (string, int, error) {
	attempts := 0
	for {
		attempts++
		out, err := fn()
		if err == nil {
			return out, attempts, nil
		}
		if attempts > cfg.MaxRetries || !cfg.retryable(err) {
			return "", attempts, err
		}
		if !sleepCtx(ctx, backoffWithJitter(cfg.BaseDelay, cfg.MaxDelay, attempts-1)) {
			return "", attempts, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoffWithJitter returns min(base<<attempt, ceiling) shifted by a random
// amount within ±25%.
func backoffWithJitter(base, ceiling time.Duration, attempt int) time.Duration {
	d := ceiling
	if attempt < 62 {
		if shifted := base << attempt; shifted > 0 && shifted < ceiling {
			d = shifted
		}
	}
	if spread := d / 2; spread > 0 {
		d += time.Duration(rand.Int64N(int64(spread))) - spread/2
	}
	return d
}

const (
	maxOutputBytes  = 16 * 1024
	truncatedSuffix = "...[truncated]"
)

// TruncateOutput caps a run summary at maxOutputBytes without splitting a
// UTF-8 sequence.
func TruncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	cut := maxOutputBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix
}
