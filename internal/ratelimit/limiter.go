// Package ratelimit implements a fixed-window request limiter over a shared
// Redis counter store. Every request is metered on two dimensions, source
// address and credential, against the same per-minute limit; either dimension
// can reject. Counter store failures fail open so that a Redis outage
// degrades metering, not delivery.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/evasend/wagateway/internal/redis"
)

const (
	// windowSize is the fixed metering window.
	windowSize = 60 * time.Second

	// counterExpiry keeps a window's counters alive past the window edge so
	// in-flight checks against the previous window still resolve.
	counterExpiry = 2 * time.Minute

	// DimensionIP and DimensionToken name the two metering dimensions.
	DimensionIP    = "ip"
	DimensionToken = "token"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time // start of the next window

	// Dimension names which counter rejected ("ip" or "token"); empty when
	// allowed.
	Dimension string

	// Degraded marks a fail-open admission; Reason carries the store error.
	Degraded bool
	Reason   string
}

// RetryAfter returns the whole seconds until the next window opens, at
// least 1.
func (d *Decision) RetryAfter(now time.Time) int64 {
	secs := int64(d.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter checks and increments fixed-window counters in Redis.
type Limiter struct {
	client redis.Client
	prefix string
	limit  atomic.Int64
	logger *slog.Logger

	// now is the clock; replaceable in tests.
	now func() time.Time
}

// NewLimiter creates a fixed-window limiter. limit is requests per minute
// per dimension.
func NewLimiter(client redis.Client, limit int64, prefix string, logger *slog.Logger) *Limiter {
	l := &Limiter{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
	l.limit.Store(limit)
	return l
}

// SetLimit updates the per-minute limit. Safe for concurrent use; applied on
// config reload.
func (l *Limiter) SetLimit(limit int64) { l.limit.Store(limit) }

// Limit returns the current per-minute limit.
func (l *Limiter) Limit() int64 { return l.limit.Load() }

// Check evaluates both dimensions for the current window and, when admitted,
// increments both counters. Rejections never increment: a caller over one
// limit does not consume quota on the other dimension.
//
// Check does not return an error. Counter store failures are folded into a
// fail-open Decision with Degraded set.
func (l *Limiter) Check(ctx context.Context, ip, token string) *Decision {
	limit := l.limit.Load()
	now := l.now()
	windowStart := now.Unix() - now.Unix()%60
	resetAt := time.Unix(windowStart+60, 0)

	ipKey := l.key(DimensionIP, ip, windowStart)
	tokenKey := l.key(DimensionToken, token, windowStart)

	// Read phase: reject before any increment.
	for _, c := range []struct {
		dimension string
		key       string
	}{
		{DimensionIP, ipKey},
		{DimensionToken, tokenKey},
	} {
		count, err := l.client.Get(ctx, c.key).Int64()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return l.failOpen(limit, resetAt, err)
		}
		if count >= limit {
			return &Decision{
				Allowed:   false,
				Limit:     limit,
				Remaining: 0,
				ResetAt:   resetAt,
				Dimension: c.dimension,
			}
		}
	}

	// Admission: count the request on both dimensions.
	var highest int64
	for _, key := range []string{ipKey, tokenKey} {
		n, err := l.client.Incr(ctx, key).Result()
		if err != nil {
			return l.failOpen(limit, resetAt, err)
		}
		if n == 1 {
			if err := l.client.Expire(ctx, key, counterExpiry).Err(); err != nil {
				l.logger.Warn("ratelimit: expire failed, counter will leak until window eviction",
					"key", key, "error", err)
			}
		}
		if n > highest {
			highest = n
		}
	}

	remaining := limit - highest
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) key(dimension, id string, windowStart int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", l.prefix, dimension, id, windowStart)
}

// failOpen admits the request with full quota when the counter store is
// unreachable.
func (l *Limiter) failOpen(limit int64, resetAt time.Time, err error) *Decision {
	reason := fmt.Sprintf("counter store unavailable: %v", err)
	if redis.IsConnectivityErr(err) {
		l.logger.Warn("ratelimit: failing open", "error", err)
	} else {
		l.logger.Error("ratelimit: unexpected counter store error, failing open", "error", err)
	}
	return &Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   resetAt,
		Degraded:  true,
		Reason:    reason,
	}
}

// ClientIP extracts the caller's source address for metering. Trusts the
// CDN-set CF-Connecting-IP first, then the leftmost X-Forwarded-For entry.
// Absent both, all callers share the "unknown" bucket rather than being
// exempted from the ip dimension.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return "unknown"
}
