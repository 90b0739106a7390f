// Package ratelimit implements tier-aware fixed-window rate limiting.
//
// Each identity has three windows (minute, hour, day); a request is admitted
// only when all three are under their tier limits. The counter store is
// pluggable: an in-process sharded map for single-node deployments, or Redis
// when counters must be shared.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/observatory-hq/observatory/internal/adapter/observability"
	"github.com/observatory-hq/observatory/internal/config"
	"github.com/observatory-hq/observatory/internal/domain"
)

// Window identifies one fixed accounting interval.
type Window struct {
	Name string
	Size time.Duration
}

var windows = []Window{
	{Name: "minute", Size: time.Minute},
	{Name: "hour", Size: time.Hour},
	{Name: "day", Size: 24 * time.Hour},
}

// Decision is the outcome of a limiter check, carrying the metadata surfaced
// in rate-limit response headers. On denial the fields describe the
// most-restrictive window.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Store holds the window counters. Incr atomically bumps and returns the
// counter for (key, bucket start); Peek reads without bumping; Decr refunds
// one unit, flooring at zero.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Peek(ctx context.Context, key string, window time.Duration) (int64, error)
	Decr(ctx context.Context, key string, window time.Duration) error
}

// Limiter admits or rejects requests per identity and tier.
type Limiter struct {
	store    Store
	policies config.TierPolicies
	now      func() time.Time
}

// New constructs a Limiter over the given store and tier policy table.
func New(store Store, policies config.TierPolicies) *Limiter {
	return &Limiter{store: store, policies: policies, now: time.Now}
}

func limitFor(p config.TierPolicy, w Window) int {
	switch w.Name {
	case "minute":
		return p.Limits.PerMinute
	case "hour":
		return p.Limits.PerHour
	default:
		return p.Limits.PerDay
	}
}

func (l *Limiter) key(identity string, w Window, bucketStart time.Time) string {
	return fmt.Sprintf("rl:%s:%s:%d", identity, w.Name, bucketStart.Unix())
}

func bucketStart(now time.Time, w Window) time.Time {
	return now.Truncate(w.Size)
}

// Allow checks and, when admitted, consumes one unit in every window for the
// identity. The increment-then-compare shape keeps concurrent overshoot
// within one request per window. A denial refunds every increment the check
// made, so a request stopped by the day window does not burn minute or hour
// quota.
//
// Store failures fail closed for public tier and fail open for paid tiers:
// anonymous traffic must not exploit an outage, while keyed customers must
// not be blackholed by one.
func (l *Limiter) Allow(ctx context.Context, identity string, tier domain.Tier) (Decision, error) {
	policy, ok := l.policies[tier]
	if !ok {
		return Decision{}, fmt.Errorf("op=ratelimit.allow: unknown tier %q: %w", tier, domain.ErrInternal)
	}
	now := l.now()

	var consumed []Window
	refund := func() {
		for _, w := range consumed {
			start := bucketStart(now, w)
			if err := l.store.Decr(ctx, l.key(identity, w, start), w.Size); err != nil {
				slog.Warn("rate limit refund failed",
					slog.String("window", w.Name), slog.Any("error", err))
			}
		}
	}

	worst := Decision{Allowed: true, Remaining: -1}
	for _, w := range windows {
		limit := limitFor(policy, w)
		start := bucketStart(now, w)
		reset := start.Add(w.Size)
		count, err := l.store.Incr(ctx, l.key(identity, w, start), w.Size)
		if err != nil {
			if tier == domain.TierPublic {
				refund()
				observability.RateLimitDecisions.WithLabelValues(string(tier), "denied").Inc()
				return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: reset, RetryAfter: reset.Sub(now)},
					fmt.Errorf("op=ratelimit.allow: store: %w", domain.ErrRateLimited)
			}
			slog.Warn("rate limit store error; failing open for paid tier",
				slog.String("tier", string(tier)), slog.Any("error", err))
			continue
		}
		consumed = append(consumed, w)
		remaining := limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		if int(count) > limit {
			refund()
			observability.RateLimitDecisions.WithLabelValues(string(tier), "denied").Inc()
			return Decision{
				Allowed:    false,
				Limit:      limit,
				Remaining:  0,
				ResetAt:    reset,
				RetryAfter: reset.Sub(now),
			}, nil
		}
		if worst.Remaining < 0 || remaining < worst.Remaining {
			worst = Decision{Allowed: true, Limit: limit, Remaining: remaining, ResetAt: reset}
		}
	}
	if worst.Remaining < 0 {
		// Every window failed open.
		worst = Decision{Allowed: true, Limit: policy.Limits.PerMinute, Remaining: policy.Limits.PerMinute, ResetAt: bucketStart(now, windows[0]).Add(time.Minute)}
	}
	observability.RateLimitDecisions.WithLabelValues(string(tier), "allowed").Inc()
	return worst, nil
}

// State reports the current minute-window usage without consuming quota.
// Used by health and admin surfaces.
func (l *Limiter) State(ctx context.Context, identity string, tier domain.Tier) (Decision, error) {
	policy, ok := l.policies[tier]
	if !ok {
		return Decision{}, fmt.Errorf("op=ratelimit.state: unknown tier %q: %w", tier, domain.ErrInternal)
	}
	now := l.now()
	w := windows[0]
	limit := limitFor(policy, w)
	start := bucketStart(now, w)
	count, err := l.store.Peek(ctx, l.key(identity, w, start), w.Size)
	if err != nil {
		return Decision{}, fmt.Errorf("op=ratelimit.state: %w", err)
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: remaining > 0, Limit: limit, Remaining: remaining, ResetAt: start.Add(w.Size)}, nil
}
