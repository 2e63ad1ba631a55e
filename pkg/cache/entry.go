package cache

import (
	"encoding/json"
	"time"
)

// CacheEntry represents a cached, schema-valid response.
type CacheEntry struct {
	// Output is the validated answer text
	Output string `json:"output"`

	// Raw is the untouched service response
	Raw json.RawMessage `json:"raw,omitempty"`

	// Model is the model that produced the answer
	Model string `json:"model"`

	// Expires is when the cache entry becomes stale
	Expires time.Time `json:"expires"`

	// CachedAt is when we cached this response
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired returns true if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
