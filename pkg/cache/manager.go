package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/bulkquery/pkg/engine"
)

// DefaultTTL is used when NewManager is given a non-positive TTL.
const DefaultTTL = 24 * time.Hour

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager handles caching operations with Redis backend. It implements
// engine.ResponseCache.
type Manager struct {
	redis    *redis.Client
	provider string
	ttl      time.Duration
}

var _ engine.ResponseCache = (*Manager)(nil)

// NewManager creates a new cache manager with Redis backend. Entries for
// provider expire after ttl.
func NewManager(redisClient *redis.Client, provider string, ttl time.Duration) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		redis:    redisClient,
		provider: provider,
		ttl:      ttl,
	}
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	// Read the serialized entry
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues(m.provider).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	// Decode entry
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	// Redis TTL and Expires can drift; an expired entry counts as a miss
	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		CacheMisses.WithLabelValues(m.provider).Inc()
		return nil, ErrCacheMiss
	}

	// Cache hit
	CacheHits.WithLabelValues(m.provider).Inc()
	return &entry, nil
}

// Set stores a cache entry with TTL based on the entry's Expires field.
// The entry will be automatically removed from Redis when it expires.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		// Already expired, don't cache
		return nil
	}

	// Encode entry
	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	// Store with the remaining lifetime as Redis TTL
	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	// Track written volume
	CacheStoredBytes.WithLabelValues(m.provider).Add(float64(len(data)))
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Lookup returns the cached response for item, or nil on a miss.
func (m *Manager) Lookup(ctx context.Context, model string, item engine.WorkItem) (*engine.Response, error) {
	entry, err := m.Get(ctx, KeyFor(m.provider, model, item))

	// A miss is not an error for the engine
	if errors.Is(err, ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &engine.Response{Output: entry.Output, Raw: entry.Raw}, nil
}

// Store caches a validated response for item.
func (m *Manager) Store(ctx context.Context, model string, item engine.WorkItem, resp engine.Response) error {
	// Entries live for the manager TTL, independent of the item
	now := time.Now()
	return m.Set(ctx, KeyFor(m.provider, model, item), &CacheEntry{
		Output:   resp.Output,
		Raw:      resp.Raw,
		Model:    model,
		Expires:  now.Add(m.ttl),
		CachedAt: now,
	})
}
