package quota

import (
	"context"
	"sync"
	"time"
)

type memCounter struct {
	used     int
	expireAt time.Time
}

// MemoryStore implements Store in process memory. Suitable for
// single-instance deployments and tests; counters are not shared across
// replicas.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memCounter),
		now:      time.Now,
	}
}

// IncrementIfBelow performs the read and increment under one lock, matching
// the atomicity the Redis Lua script provides.
func (s *MemoryStore) IncrementIfBelow(_ context.Context, key string, limit int, expireAt time.Time) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	c, ok := s.counters[key]
	if !ok || now.After(c.expireAt) {
		c = &memCounter{expireAt: expireAt}
		s.counters[key] = c
	}

	if c.used >= limit {
		return false, c.used, nil
	}
	c.used++
	return true, c.used, nil
}
