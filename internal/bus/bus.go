// Package bus fans frames out across gateway instances over Redis
// pub/sub. Each channel maps to one topic; instances subscribe only to
// topics some local connection cares about.
package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	topicPrefix      = "ch:"
	agentTopicPrefix = "agent:"
)

// AgentTopic names the per-agent channel used for targeted frames
// such as challenge notifications. It lives in the same topic space as
// real channels; the gateway subscribes it alongside them.
func AgentTopic(agentID string) string {
	return agentTopicPrefix + agentID
}

// IsAgentTopic reports whether a channel id names a per-agent topic
// rather than a stored channel.
func IsAgentTopic(channelID string) bool {
	return strings.HasPrefix(channelID, agentTopicPrefix)
}

// Handler receives every payload delivered for a subscribed channel,
// including payloads this instance published itself.
type Handler func(channelID string, payload []byte)

// Bus wraps one publishing client and one dedicated subscriber
// connection. Subscribe and Unsubscribe mutate the subscriber's topic
// set at runtime; go-redis serializes those commands on the pub/sub
// connection, so callers need no locking beyond their own bookkeeping.
type Bus struct {
	rdb    *redis.Client
	sub    *redis.PubSub
	logger zerolog.Logger
}

// New opens the dedicated subscriber connection. The returned Bus is
// not receiving until Run is started.
func New(rdb *redis.Client, logger zerolog.Logger) *Bus {
	return &Bus{
		rdb:    rdb,
		sub:    rdb.Subscribe(context.Background()),
		logger: logger.With().Str("component", "bus").Logger(),
	}
}

// Publish sends a sealed payload to every instance subscribed to the
// channel, this one included.
func (b *Bus) Publish(ctx context.Context, channelID string, payload []byte) error {
	return publish(ctx, b.rdb, channelID, payload)
}

func publish(ctx context.Context, rdb *redis.Client, channelID string, payload []byte) error {
	if err := rdb.Publish(ctx, topicPrefix+channelID, payload).Err(); err != nil {
		return fmt.Errorf("bus publish %s: %w", channelID, err)
	}
	return nil
}

// Publisher is the publish-only face of the bus for processes that
// never consume, like the trust worker. It holds no subscriber
// connection.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

func (p *Publisher) Publish(ctx context.Context, channelID string, payload []byte) error {
	return publish(ctx, p.rdb, channelID, payload)
}

// Subscribe starts delivery for one channel. Callers invoke this only
// on the first local subscriber for the channel.
func (b *Bus) Subscribe(ctx context.Context, channelID string) error {
	if err := b.sub.Subscribe(ctx, topicPrefix+channelID); err != nil {
		return fmt.Errorf("bus subscribe %s: %w", channelID, err)
	}
	return nil
}

// Unsubscribe stops delivery for one channel. Callers invoke this only
// when the last local subscriber leaves the channel.
func (b *Bus) Unsubscribe(ctx context.Context, channelID string) error {
	if err := b.sub.Unsubscribe(ctx, topicPrefix+channelID); err != nil {
		return fmt.Errorf("bus unsubscribe %s: %w", channelID, err)
	}
	return nil
}

// Run consumes the subscriber connection until ctx is cancelled,
// handing each payload to handler. go-redis reconnects the pub/sub
// connection itself and replays the subscription set, so a Redis blip
// costs messages published during the gap but nothing else.
func (b *Bus) Run(ctx context.Context, handler Handler) {
	ch := b.sub.Channel(redis.WithChannelSize(1024))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			channelID := strings.TrimPrefix(msg.Channel, topicPrefix)
			handler(channelID, []byte(msg.Payload))
		}
	}
}

// Close tears down the subscriber connection. The shared publishing
// client is owned by the caller.
func (b *Bus) Close() error {
	return b.sub.Close()
}
