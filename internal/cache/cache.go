// Package cache stores successful registry answers keyed by normalized lookup key.
// Only positive answers are cached; expired entries read as absent.
package cache

import (
	"context"
	"log/slog"
	"time"
)

// Cache is shared by both lanes. Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, payload []byte) error
}

// Backend names accepted by CACHE_BACKEND.
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendRedis  = "redis"
)

// Lookup reads key from c, logging and swallowing backend errors as a miss.
func Lookup(ctx context.Context, c Cache, key string, log *slog.Logger) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	payload, ok, err := c.Get(ctx, key)
	if err != nil {
		if log != nil {
			log.Warn("cache.get failed", "key", key, "error", err)
		}
		return nil, false
	}
	return payload, ok
}

// Store writes payload under key, logging backend errors.
func Store(ctx context.Context, c Cache, key string, payload []byte, log *slog.Logger) {
	if c == nil {
		return
	}
	if err := c.Put(ctx, key, payload); err != nil && log != nil {
		log.Warn("cache.put failed", "key", key, "error", err)
	}
}

func expired(recordedAt, now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(recordedAt) >= ttl
}
