package gateway

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	defaultBurst      = 5
	limiterIdleTTL    = 10 * time.Minute
	maxLimitedClients = 4096
)

// RateLimiter keeps one token bucket per key (client IP, user or WebSocket
// client). Buckets idle for limiterIdleTTL are dropped, which only ever
// hands a returning client a full bucket.
type RateLimiter struct {
	every rate.Limit
	burst int

	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter allows rpm requests per minute per key with the given
// burst. rpm <= 0 disables limiting.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = defaultBurst
	}
	rl := &RateLimiter{burst: burst}
	if rpm > 0 {
		rl.every = rate.Limit(float64(rpm) / 60)
		rl.buckets = expirable.NewLRU[string, *rate.Limiter](maxLimitedClients, nil, limiterIdleTTL)
	}
	return rl
}

func (rl *RateLimiter) Enabled() bool { return rl.every > 0 }

func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.Reserve(key)
	return ok
}

// Reserve takes a token for key. When none is available it reports how
// long until one is, without consuming anything.
func (rl *RateLimiter) Reserve(key string) (bool, time.Duration) {
	if !rl.Enabled() {
		return true, 0
	}
	r := rl.bucket(key).Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		slog.Warn("security.rate_limited", "key", key, "retry_in", delay)
		return false, delay
	}
	return true, 0
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if lim, ok := rl.buckets.Get(key); ok {
		rl.buckets.Add(key, lim) // refresh idle TTL
		return lim
	}
	lim := rate.NewLimiter(rl.every, rl.burst)
	rl.buckets.Add(key, lim)
	return lim
}

// Close forgets every bucket.
func (rl *RateLimiter) Close() {
	if rl.buckets != nil {
		rl.buckets.Purge()
	}
}

// retryAfterSeconds renders a delay for the Retry-After header, never 0.
func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
