// Package ratelimit gates request starts against a remote service.
// A Limiter spaces dispatch starts by 1/rps and caps concurrent in-flight
// calls; a Tracker records server-imposed quota cooldowns (from 429
// Retry-After or exhausted request budgets) so that every worker, and with
// the Redis backend every process sharing an API key, pauses together.
package ratelimit

import (
	"time"
)

// Redis key layout for shared quota state. The scope is usually a provider
// name plus a short digest of the API key.
const (
	RedisKeyPrefix          = "bulkquery:quota:"
	redisSuffixBlockedUntil = ":blocked_until"
	redisSuffixRemaining    = ":remaining"
	redisSuffixLastUpdate   = ":last_update"
)

// RemainingUnknown marks a QuotaState whose request budget was never reported.
const RemainingUnknown = -1

// QuotaState is the server-imposed quota state for one scope.
type QuotaState struct {
	// Scope identifies the quota, e.g. "gemini:3fa2c1".
	Scope string `json:"scope"`

	// BlockedUntil is the earliest time a new dispatch may start.
	// Zero means no cooldown is in effect.
	BlockedUntil time.Time `json:"blocked_until"`

	// RequestsRemaining is the last reported request budget, or RemainingUnknown.
	RequestsRemaining int `json:"requests_remaining"`

	// LastUpdate is when the state last changed.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *QuotaState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// IsBlocked reports whether a cooldown is in effect at now.
func (s *QuotaState) IsBlocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// TimeUntilUnblocked returns the remaining cooldown at now.
// Returns 0 if no cooldown is in effect.
func (s *QuotaState) TimeUntilUnblocked(now time.Time) time.Duration {
	d := s.BlockedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// LimiterState is a point-in-time snapshot of a Limiter, served by the
// status endpoint.
type LimiterState struct {
	Name          string    `json:"name"`
	RPS           float64   `json:"rps"`
	MaxInFlight   int       `json:"max_inflight"`
	InFlight      int       `json:"in_flight"`
	Dispatched    int64     `json:"dispatched"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}
