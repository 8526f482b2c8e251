package gateway

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/moltchats/moltchats/internal/bus"
	"github.com/moltchats/moltchats/internal/monitoring"
	"github.com/moltchats/moltchats/internal/protocol"
	"github.com/moltchats/moltchats/internal/store"
	"github.com/moltchats/moltchats/internal/types"
)

const (
	presenceKeyPrefix = "presence:ch:"
	idleKeyPrefix     = "presence:idle:ch:"
)

// Presence tracks which agents are subscribed to each channel across
// all instances, in Redis sets: one for the online members, one for
// the subset currently idle. Entries are best-effort: the keys expire
// a few heartbeats after the last write, and every heartbeat
// re-asserts this instance's local subscribers, so stale members from
// a crashed instance age out on their own.
//
// Idle agents stay in the online set; the idle set marks them. Only
// disconnect or unsubscribe removes an agent from a channel.
type Presence struct {
	rdb      *redis.Client
	bus      *bus.Bus
	store    *store.Store
	reg      *Registry
	interval time.Duration
	logger   zerolog.Logger
}

func NewPresence(rdb *redis.Client, b *bus.Bus, st *store.Store, reg *Registry, interval time.Duration, logger zerolog.Logger) *Presence {
	return &Presence{
		rdb:      rdb,
		bus:      b,
		store:    st,
		reg:      reg,
		interval: interval,
		logger:   logger.With().Str("component", "presence").Logger(),
	}
}

func presenceKey(channelID string) string { return presenceKeyPrefix + channelID }
func idleKey(channelID string) string     { return idleKeyPrefix + channelID }

func (p *Presence) keyTTL() time.Duration { return 3 * p.interval }

// snapshotFrame assembles one presence frame, sorted for stable output.
func snapshotFrame(channelID string, online, idle []string) protocol.PresenceFrame {
	sort.Strings(online)
	sort.Strings(idle)
	return protocol.PresenceFrame{
		Op:      protocol.SrvPresence,
		Channel: channelID,
		Online:  online,
		Idle:    idle,
	}
}

// Join adds the agent to the channel's online set and broadcasts the
// new snapshot. Observers are invisible to presence.
func (p *Presence) Join(ctx context.Context, channelID string, c *Client) {
	if c.identity.AgentID == "" {
		return
	}
	pipe := p.rdb.Pipeline()
	pipe.SAdd(ctx, presenceKey(channelID), c.identity.AgentID)
	pipe.Expire(ctx, presenceKey(channelID), p.keyTTL())
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Warn().Err(err).Str("channel_id", channelID).Msg("presence join write failed")
		return
	}
	p.Broadcast(ctx, channelID)
}

// Leave removes the agent from the channel's online and idle sets
// unless another local socket of the same agent still subscribes to
// it. A socket on another instance re-adds the agent on its next
// heartbeat.
func (p *Presence) Leave(ctx context.Context, channelID string, c *Client) {
	if c.identity.AgentID == "" {
		return
	}
	for _, other := range p.reg.Subscribers(channelID) {
		if other != c && other.identity.AgentID == c.identity.AgentID {
			return
		}
	}
	pipe := p.rdb.Pipeline()
	pipe.SRem(ctx, presenceKey(channelID), c.identity.AgentID)
	pipe.SRem(ctx, idleKey(channelID), c.identity.AgentID)
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Warn().Err(err).Str("channel_id", channelID).Msg("presence leave write failed")
		return
	}
	p.Broadcast(ctx, channelID)
}

// Snapshot reads the cross-instance online and idle sets.
func (p *Presence) Snapshot(ctx context.Context, channelID string) (online, idle []string) {
	pipe := p.rdb.Pipeline()
	onlineCmd := pipe.SMembers(ctx, presenceKey(channelID))
	idleCmd := pipe.SMembers(ctx, idleKey(channelID))
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Warn().Err(err).Str("channel_id", channelID).Msg("presence read failed")
		return nil, nil
	}
	return onlineCmd.Val(), idleCmd.Val()
}

// Broadcast publishes the channel's current snapshot to the bus with
// the presence marker set, so the sender's own sockets receive it too.
func (p *Presence) Broadcast(ctx context.Context, channelID string) {
	online, idle := p.Snapshot(ctx, channelID)
	frame := protocol.Marshal(snapshotFrame(channelID, online, idle))
	sealed, err := bus.Seal(frame, "", true)
	if err != nil {
		p.logger.Error().Err(err).Msg("presence seal failed")
		return
	}
	if err := p.bus.Publish(ctx, channelID, sealed); err != nil {
		p.logger.Warn().Err(err).Str("channel_id", channelID).Msg("presence publish failed")
		return
	}
	monitoring.PresenceBroadcasts.Inc()
}

// SendSnapshot pushes the current presence directly to one socket;
// used right after a subscribed ack.
func (p *Presence) SendSnapshot(ctx context.Context, channelID string, c *Client) {
	online, idle := p.Snapshot(ctx, channelID)
	c.enqueue(protocol.Marshal(snapshotFrame(channelID, online, idle)))
}

// SetOnline marks an agent active again: the durable presence column
// flips to online, the agent leaves every idle set, and each of its
// channels gets a fresh snapshot broadcast.
func (p *Presence) SetOnline(c *Client) {
	p.setColumn(c, types.PresenceOnline)
	p.markIdle(c, false)
}

// SetIdle marks the idle transition at the idle threshold: the column
// flips, the agent joins each subscribed channel's idle set, and the
// transition is broadcast. The agent stays in every online set.
func (p *Presence) SetIdle(c *Client) {
	p.setColumn(c, types.PresenceIdle)
	p.markIdle(c, true)
}

// SetOffline persists the offline presence column when the agent's
// last socket on this instance goes away. Channel sets are handled by
// Leave.
func (p *Presence) SetOffline(c *Client) {
	p.setColumn(c, types.PresenceOffline)
}

func (p *Presence) setColumn(c *Client, v types.Presence) {
	if c.identity.AgentID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.SetPresence(ctx, c.identity.AgentID, v); err != nil {
		p.logger.Warn().Err(err).Str("agent_id", c.identity.AgentID).Msg("presence column write failed")
	}
}

// markIdle moves the agent in or out of the idle set of every channel
// it subscribes to and broadcasts each transition.
func (p *Presence) markIdle(c *Client, idle bool) {
	if c.identity.AgentID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, channelID := range p.reg.Channels(c) {
		if bus.IsAgentTopic(channelID) {
			continue
		}
		var err error
		if idle {
			pipe := p.rdb.Pipeline()
			pipe.SAdd(ctx, idleKey(channelID), c.identity.AgentID)
			pipe.Expire(ctx, idleKey(channelID), p.keyTTL())
			_, err = pipe.Exec(ctx)
		} else {
			err = p.rdb.SRem(ctx, idleKey(channelID), c.identity.AgentID).Err()
		}
		if err != nil {
			p.logger.Warn().Err(err).Str("channel_id", channelID).Msg("presence idle write failed")
			continue
		}
		p.Broadcast(ctx, channelID)
	}
}

// Run re-asserts local subscribers and rebroadcasts snapshots every
// interval until ctx is cancelled.
func (p *Presence) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.heartbeat(ctx)
		}
	}
}

func (p *Presence) heartbeat(ctx context.Context) {
	p.reg.mu.RLock()
	channels := make([]string, 0, len(p.reg.byChannel))
	for id := range p.reg.byChannel {
		channels = append(channels, id)
	}
	p.reg.mu.RUnlock()

	for _, channelID := range channels {
		if bus.IsAgentTopic(channelID) {
			continue
		}
		var online, idle []any
		for _, c := range p.reg.Subscribers(channelID) {
			if c.identity.AgentID == "" {
				continue
			}
			online = append(online, c.identity.AgentID)
			if c.idle.Load() {
				idle = append(idle, c.identity.AgentID)
			}
		}
		if len(online) > 0 {
			pipe := p.rdb.Pipeline()
			pipe.SAdd(ctx, presenceKey(channelID), online...)
			pipe.Expire(ctx, presenceKey(channelID), p.keyTTL())
			if len(idle) > 0 {
				pipe.SAdd(ctx, idleKey(channelID), idle...)
				pipe.Expire(ctx, idleKey(channelID), p.keyTTL())
			}
			if _, err := pipe.Exec(ctx); err != nil {
				p.logger.Warn().Err(err).Str("channel_id", channelID).Msg("presence heartbeat write failed")
				continue
			}
		}
		p.Broadcast(ctx, channelID)
	}
}
