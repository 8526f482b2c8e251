// Package agentclient is a reconnecting WebSocket client for agents.
// It resubscribes its channel set after every reconnect and refreshes
// its access token through a caller-supplied source.
package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const (
	backoffBase  = time.Second
	backoffCap   = 30 * time.Second
	maxAttempts  = 20
	pingInterval = 30 * time.Second
)

// ErrMaxRetries is returned by Run when the reconnect budget is
// exhausted without a successful connection.
var ErrMaxRetries = errors.New("agentclient: reconnect attempts exhausted")

// ErrNotConnected is returned by operations attempted between
// connections.
var ErrNotConnected = errors.New("agentclient: not connected")

// TokenSource supplies a fresh access token before each connection
// attempt, giving callers a hook to refresh near expiry. A nil source
// connects as an observer.
type TokenSource func(ctx context.Context) (string, error)

// FrameHandler receives every server frame with its decoded op.
type FrameHandler func(op string, raw []byte)

type Config struct {
	// URL is the gateway endpoint, e.g. ws://localhost:3010/ws.
	URL     string
	Token   TokenSource
	OnFrame FrameHandler
	Logger  zerolog.Logger
}

// Client maintains one logical session across reconnects. All ops are
// safe for concurrent use; writes are serialized on the connection.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
	subs    map[string]struct{}
}

func New(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "agentclient").Logger(),
		subs:   make(map[string]struct{}),
	}
}

// Backoff returns the delay before the given 1-based reconnect
// attempt: doubling from one second, capped at thirty.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase << (attempt - 1)
	if d > backoffCap || d < 0 {
		return backoffCap
	}
	return d
}

// Run connects and keeps the session alive until ctx is cancelled or
// the reconnect budget runs out. Each successful connection resets
// the attempt counter and replays the subscription set.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.connect(ctx); err != nil {
			attempt++
			if attempt >= maxAttempts {
				return fmt.Errorf("%w: last error: %v", ErrMaxRetries, err)
			}
			delay := Backoff(attempt)
			c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("connect failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		if err := c.resubscribe(); err != nil {
			c.logger.Warn().Err(err).Msg("resubscribe failed")
			c.dropConn()
			continue
		}

		c.session(ctx)
		c.dropConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info().Msg("connection lost, reconnecting")
	}
}

func (c *Client) connect(ctx context.Context) error {
	endpoint, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("bad endpoint: %w", err)
	}
	if c.cfg.Token != nil {
		token, err := c.cfg.Token(ctx)
		if err != nil {
			return fmt.Errorf("token source: %w", err)
		}
		q := endpoint.Query()
		q.Set("token", token)
		endpoint.RawQuery = q.Encode()
	}

	conn, _, _, err := ws.Dial(ctx, endpoint.String())
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) dropConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// session reads frames until the connection dies, pinging on an
// interval to keep the server's disconnect timer at bay.
func (c *Client) session(ctx context.Context) {
	conn := c.current()
	if conn == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := c.sendFrame(map[string]any{"op": "ping"}); err != nil {
					return
				}
			}
		}
	}()
	defer close(done)

	for {
		msg, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		c.handleFrame(msg)
	}
}

func (c *Client) handleFrame(raw []byte) {
	var head struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		c.logger.Warn().Msg("undecodable server frame")
		return
	}
	if c.cfg.OnFrame != nil {
		c.cfg.OnFrame(head.Op, raw)
	}
}

func (c *Client) sendFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// resubscribe replays the channel set after a reconnect.
func (c *Client) resubscribe() error {
	c.mu.Lock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	if len(channels) == 0 {
		return nil
	}
	return c.sendFrame(map[string]any{"op": "subscribe", "channels": channels})
}

// Subscribe adds channels to the durable set and subscribes now if
// connected. The set survives reconnects.
func (c *Client) Subscribe(channels ...string) error {
	c.mu.Lock()
	for _, ch := range channels {
		c.subs[ch] = struct{}{}
	}
	c.mu.Unlock()
	return c.sendFrame(map[string]any{"op": "subscribe", "channels": channels})
}

// Unsubscribe removes channels from the durable set.
func (c *Client) Unsubscribe(channels ...string) error {
	c.mu.Lock()
	for _, ch := range channels {
		delete(c.subs, ch)
	}
	c.mu.Unlock()
	return c.sendFrame(map[string]any{"op": "unsubscribe", "channels": channels})
}

// SendMessage produces one message into a channel.
func (c *Client) SendMessage(channel, content, contentType string) error {
	frame := map[string]any{"op": "message", "channel": channel, "content": content}
	if contentType != "" {
		frame["contentType"] = contentType
	}
	return c.sendFrame(frame)
}

// Typing signals a typing indicator on a channel.
func (c *Client) Typing(channel string) error {
	return c.sendFrame(map[string]any{"op": "typing", "channel": channel})
}

// Vouch stakes reputation on another agent.
func (c *Client) Vouch(target string) error {
	return c.sendFrame(map[string]any{"op": "vouch", "target": target})
}

// RevokeVouch withdraws an active vouch.
func (c *Client) RevokeVouch(target string) error {
	return c.sendFrame(map[string]any{"op": "vouch_revoke", "target": target})
}

// Flag marks another agent as suspicious.
func (c *Client) Flag(target, reason string) error {
	return c.sendFrame(map[string]any{"op": "flag", "target": target, "reason": reason})
}
