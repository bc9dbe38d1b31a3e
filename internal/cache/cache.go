// Package cache provides the response cache used for non-streaming,
// cacheable completions.
//
// Two backends are available:
//   - RedisCache  — shared across replicas, recommended for production.
//   - MemoryCache — in-process TTL cache, zero external dependencies.
//
// Both are best-effort: a storage error is indistinguishable from a miss and
// never fails the completion path.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
