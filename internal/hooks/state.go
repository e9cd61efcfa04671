package hooks

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// StateStore is per-session scratch space for handlers, keyed by session ID
// and then by a handler-chosen key. The loop passes it by reference through
// Context; nothing in this package keeps module-level state.
type StateStore interface {
	Get(sessionID, key string) (any, bool)
	Set(sessionID, key string, value any)
	// Update atomically replaces the value under key with fn(old, ok).
	Update(sessionID, key string, fn func(old any, ok bool) any) any
	// Delete drops everything stored for the session.
	Delete(sessionID string)
}

const (
	defaultStateSessions = 4096
	defaultStateTTL      = 2 * time.Hour
)

// LRUStateStore keeps the most recently used sessions' state in memory and
// expires idle sessions after a TTL.
type LRUStateStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, map[string]any]
}

// NewLRUStateStore creates a store holding up to size sessions for ttl each.
// Zero values select the defaults.
func NewLRUStateStore(size int, ttl time.Duration) *LRUStateStore {
	if size <= 0 {
		size = defaultStateSessions
	}
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &LRUStateStore{cache: expirable.NewLRU[string, map[string]any](size, nil, ttl)}
}

func (s *LRUStateStore) Get(sessionID, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.cache.Get(sessionID)
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

func (s *LRUStateStore) Set(sessionID, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionLocked(sessionID)[key] = value
}

func (s *LRUStateStore) Update(sessionID, key string, fn func(old any, ok bool) any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.sessionLocked(sessionID)
	old, ok := m[key]
	v := fn(old, ok)
	m[key] = v
	return v
}

func (s *LRUStateStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(sessionID)
}

// Len returns the number of sessions currently holding state.
func (s *LRUStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

func (s *LRUStateStore) sessionLocked(sessionID string) map[string]any {
	m, ok := s.cache.Get(sessionID)
	if !ok {
		m = make(map[string]any)
		s.cache.Add(sessionID, m)
	}
	return m
}
