package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulkquery/pkg/retry"
)

// Prometheus metrics for quota tracking.
var (
	quotaCooldownsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkquery_quota_cooldowns_total",
		Help: "Total number of shared cooldowns started or extended by server quota signals",
	}, []string{"scope"})

	quotaRequestsRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bulkquery_quota_requests_remaining",
		Help: "Last request budget reported by the remote service",
	}, []string{"scope"})
)

// OpenAI-style request budget headers.
const (
	HeaderRemainingRequests = "X-Ratelimit-Remaining-Requests"
	HeaderResetRequests     = "X-Ratelimit-Reset-Requests"
)

// extendScript sets the cooldown only if it moves BlockedUntil later.
var extendScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local want = tonumber(ARGV[1])
if want > cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

// Tracker records server-imposed cooldowns for one quota scope.
// With a nil Redis client the state lives in memory and is shared by the
// Limiters of one process only.
type Tracker struct {
	redis  *redis.Client
	scope  string
	logger zerolog.Logger

	mu    sync.Mutex
	local QuotaState

	now func() time.Time
}

// NewTracker creates a quota tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, scope string, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		scope:  scope,
		logger: logger.With().Str("scope", scope).Logger(),
		local: QuotaState{
			Scope:             scope,
			RequestsRemaining: RemainingUnknown,
		},
		now: time.Now,
	}
}

// Scope returns the tracked quota scope.
func (t *Tracker) Scope() string {
	return t.scope
}

func (t *Tracker) key(suffix string) string {
	return RedisKeyPrefix + t.scope + suffix
}

// GetState returns the current quota state.
func (t *Tracker) GetState(ctx context.Context) (*QuotaState, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		s := t.local
		return &s, nil
	}

	pipe := t.redis.Pipeline()
	blockedCmd := pipe.Get(ctx, t.key(redisSuffixBlockedUntil))
	remainingCmd := pipe.Get(ctx, t.key(redisSuffixRemaining))
	updateCmd := pipe.Get(ctx, t.key(redisSuffixLastUpdate))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get quota state: %w", err)
	}

	state := &QuotaState{Scope: t.scope, RequestsRemaining: RemainingUnknown}

	if ms, err := blockedCmd.Int64(); err == nil {
		state.BlockedUntil = time.UnixMilli(ms)
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("parse blocked until: %w", err)
	}

	if n, err := remainingCmd.Int(); err == nil {
		state.RequestsRemaining = n
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("parse requests remaining: %w", err)
	}

	if ms, err := updateCmd.Int64(); err == nil {
		state.LastUpdate = time.UnixMilli(ms)
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("parse last update: %w", err)
	}

	return state, nil
}

// Block starts a cooldown lasting until the given time. A cooldown is only
// ever extended, never shortened.
func (t *Tracker) Block(ctx context.Context, until time.Time) error {
	now := t.now()
	if !until.After(now) {
		return nil
	}

	extended := false
	if t.redis == nil {
		t.mu.Lock()
		if until.After(t.local.BlockedUntil) {
			t.local.BlockedUntil = until
			t.local.LastUpdate = now
			extended = true
		}
		t.mu.Unlock()
	} else {
		ttl := until.Sub(now)
		n, err := extendScript.Run(ctx, t.redis,
			[]string{t.key(redisSuffixBlockedUntil)},
			until.UnixMilli(), ttl.Milliseconds()+1000).Int()
		if err != nil {
			return fmt.Errorf("store cooldown in redis: %w", err)
		}
		if err := t.redis.Set(ctx, t.key(redisSuffixLastUpdate), now.UnixMilli(), 0).Err(); err != nil {
			return fmt.Errorf("store last update in redis: %w", err)
		}
		extended = n == 1
	}

	if extended {
		quotaCooldownsTotal.WithLabelValues(t.scope).Inc()
		t.logger.Warn().
			Time("blocked_until", until).
			Dur("cooldown", until.Sub(now)).
			Msg("Quota cooldown started, pausing new dispatches")
	}
	return nil
}

// UpdateFromHeaders inspects a response for quota signals. A Retry-After
// header blocks for the hinted duration; an exhausted request budget blocks
// until the advertised reset. Responses without quota headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	now := t.now()

	if hint := retry.ParseRetryAfter(headers, now); hint > 0 {
		if err := t.Block(ctx, now.Add(hint)); err != nil {
			return err
		}
	}

	remainStr := headers.Get(HeaderRemainingRequests)
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemainingRequests, err)
	}

	var reset time.Duration
	if resetStr := headers.Get(HeaderResetRequests); resetStr != "" {
		reset, err = time.ParseDuration(resetStr)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderResetRequests, err)
		}
	}

	if err := t.storeRemaining(ctx, remain, now); err != nil {
		return err
	}
	quotaRequestsRemaining.WithLabelValues(t.scope).Set(float64(remain))

	if remain <= 0 && reset > 0 {
		return t.Block(ctx, now.Add(reset))
	}

	t.logger.Debug().Int("requests_remaining", remain).Msg("Quota state updated")
	return nil
}

func (t *Tracker) storeRemaining(ctx context.Context, remain int, now time.Time) error {
	if t.redis == nil {
		t.mu.Lock()
		t.local.RequestsRemaining = remain
		t.local.LastUpdate = now
		t.mu.Unlock()
		return nil
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, t.key(redisSuffixRemaining), remain, 0)
	pipe.Set(ctx, t.key(redisSuffixLastUpdate), now.UnixMilli(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store quota state in redis: %w", err)
	}
	return nil
}

// Wait blocks until no cooldown is in effect or ctx ends. It re-reads the
// state after every sleep because another worker may have extended it.
// A state store failure is logged and treated as "not blocked".
func (t *Tracker) Wait(ctx context.Context) error {
	for {
		state, err := t.GetState(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn().Err(err).Msg("Quota state unavailable, not waiting")
			return nil
		}

		d := state.TimeUntilUnblocked(t.now())
		if d <= 0 {
			return nil
		}

		t.logger.Debug().Dur("wait_duration", d).Msg("Waiting for quota cooldown")

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
