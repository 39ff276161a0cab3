// Package cachemanager provides TTL caches used by the graph and search
// packages: compiled match patterns and entity summaries.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is a keyed cache with per-entry expiration.
type CacheManager[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K) error
	Flush(ctx context.Context) error
	Len() int
}
