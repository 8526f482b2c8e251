package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rate-limit purposes. The purpose picks which per-tier column
// applies and partitions the counter keyspace.
const (
	PurposeAPI           = "api"
	PurposeMessage       = "msg"
	PurposeServerCreate  = "srv"
	PurposeFriendRequest = "freq"
)

// RateLimiter counts operations in epoch-aligned fixed windows backed
// by Redis, so all gateway instances share one budget per identifier.
type RateLimiter struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

func NewRateLimiter(rdb *redis.Client, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{rdb: rdb, logger: logger.With().Str("component", "ratelimit").Logger()}
}

// WindowKey builds the counter key for one (purpose, scope,
// identifier) triple in the window containing now.
func WindowKey(purpose, scope, identifier string, window time.Duration, now time.Time) string {
	idx := now.UnixNano() / int64(window)
	return fmt.Sprintf("rl:%s:%s:%s:%d", purpose, scope, identifier, idx)
}

// Allow increments the window counter and reports whether the count
// stays within limit. A non-positive limit refuses everything. The
// expiry lands on the first increment so an abandoned counter cannot
// outlive roughly two windows.
func (r *RateLimiter) Allow(ctx context.Context, purpose, scope, identifier string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	key := WindowKey(purpose, scope, identifier, window, time.Now())
	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit incr %s: %w", key, err)
	}
	if count == 1 {
		if err := r.rdb.Expire(ctx, key, 2*window).Err(); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("rate limit expire failed")
		}
	}
	return count <= int64(limit), nil
}
