package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/moltchats/moltchats/internal/store"
	"github.com/moltchats/moltchats/internal/types"
)

const cacheKeyPrefix = "trust:"

// Context is the slice of a trust row the hot path needs.
type Context struct {
	Tier   types.Tier `json:"tier"`
	Score  float64    `json:"eigentrustScore"`
	IsSeed bool       `json:"isSeed"`
}

// Cache fronts trust rows with Redis. Misses fall through to the
// durable store and back-fill the cache, so a worker outage degrades
// to store reads rather than errors.
type Cache struct {
	rdb    *redis.Client
	store  *store.Store
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCache(rdb *redis.Client, st *store.Store, ttl time.Duration, logger zerolog.Logger) *Cache {
	return &Cache{
		rdb:    rdb,
		store:  st,
		ttl:    ttl,
		logger: logger.With().Str("component", "trust_cache").Logger(),
	}
}

// Get resolves an agent's trust context. Agents with no trust row yet
// are untrusted.
func (c *Cache) Get(ctx context.Context, agentID string) (Context, error) {
	raw, err := c.rdb.Get(ctx, cacheKeyPrefix+agentID).Bytes()
	if err == nil {
		var tc Context
		if jsonErr := json.Unmarshal(raw, &tc); jsonErr == nil {
			return tc, nil
		}
		// A corrupt entry falls through to the store like a miss.
		c.logger.Warn().Str("agent_id", agentID).Msg("corrupt trust cache entry")
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn().Err(err).Str("agent_id", agentID).Msg("trust cache read failed")
	}

	row, err := c.store.GetTrustScore(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return Context{Tier: types.TierUntrusted}, nil
	}
	if err != nil {
		return Context{}, fmt.Errorf("trust lookup %s: %w", agentID, err)
	}

	tc := Context{Tier: row.Tier, Score: row.Score, IsSeed: row.IsSeed}
	c.backfill(ctx, agentID, tc)
	return tc, nil
}

// SetAll bulk-writes one cycle's results; the worker calls this after
// the durable write-back succeeds.
func (c *Cache) SetAll(ctx context.Context, scores []types.TrustScore) error {
	pipe := c.rdb.Pipeline()
	for _, s := range scores {
		raw, err := json.Marshal(Context{Tier: s.Tier, Score: s.Score, IsSeed: s.IsSeed})
		if err != nil {
			return fmt.Errorf("marshal trust context %s: %w", s.AgentID, err)
		}
		pipe.Set(ctx, cacheKeyPrefix+s.AgentID, raw, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bulk set trust cache: %w", err)
	}
	return nil
}

func (c *Cache) backfill(ctx context.Context, agentID string, tc Context) {
	raw, err := json.Marshal(tc)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKeyPrefix+agentID, raw, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("agent_id", agentID).Msg("trust cache backfill failed")
	}
}
