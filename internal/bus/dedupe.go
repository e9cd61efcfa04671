package bus

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults used by the inbound consumers.
const (
	DefaultDedupeTTL  = 20 * time.Minute
	DefaultDedupeSize = 5000
)

// DedupeCache drops redelivered task assignments (consumer restarts,
// at-least-once queues) while their key is live. Keys expire after the TTL;
// past maxSize the least recently seen key is evicted.
type DedupeCache struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{seen: expirable.NewLRU[string, struct{}](maxSize, nil, ttl)}
}

// IsDuplicate reports whether key was seen within the TTL, recording it
// when it was not.
func (d *DedupeCache) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen.Peek(key); ok {
		return true
	}
	d.seen.Add(key, struct{}{})
	return false
}
