// Package cache provides a Redis-backed response cache for bulk runs.
//
// Identical requests (same provider, model, prompt, attachments and output
// schema) map to the same deterministic key, so a validated answer fetched
// once can be reused by later runs and other processes sharing the Redis
// instance. Cached answers are recorded with "cached": true and an attempt
// count of zero.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient, "gemini", 24*time.Hour)
//
//	eng, err := engine.New(cfg, dispatcher, engine.WithCache(manager))
//
// # Direct Access
//
//	key := cache.KeyFor("gemini", "gemini-2.5-flash", item)
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// dispatch and Set
//	}
//
// # Metrics
//
// The cache manager exports Prometheus metrics:
//
//   - bulkquery_cache_hits_total{provider} - Cache hits
//   - bulkquery_cache_misses_total{provider} - Cache misses
//   - bulkquery_cache_stored_bytes{provider} - Bytes written to Redis
//   - bulkquery_cache_errors_total{operation} - Cache operation errors
//
// Local attachment files are keyed by path, size and modification time, so
// editing a file invalidates answers computed from it.
package cache
