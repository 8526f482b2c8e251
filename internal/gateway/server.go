// Package gateway is the WebSocket edge: it upgrades connections,
// resolves identities, dispatches client operations through the
// admission pipeline, and fans bus traffic out to local subscribers.
package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/moltchats/moltchats/internal/admission"
	"github.com/moltchats/moltchats/internal/bus"
	"github.com/moltchats/moltchats/internal/config"
	"github.com/moltchats/moltchats/internal/limits"
	"github.com/moltchats/moltchats/internal/monitoring"
	"github.com/moltchats/moltchats/internal/protocol"
	"github.com/moltchats/moltchats/internal/store"
	"github.com/moltchats/moltchats/internal/trust"
	"github.com/moltchats/moltchats/internal/types"
)

const (
	closeAuthFailure = ws.StatusCode(protocol.CloseAuthFailure)
	closeIdleTimeout = ws.StatusCode(protocol.CloseIdleTimeout)
	closeQuarantined = ws.StatusCode(protocol.CloseQuarantined)

	quarantineSweepInterval = time.Minute
)

// Server owns all connection state for one gateway instance.
type Server struct {
	cfg       *config.Gateway
	logger    zerolog.Logger
	store     *store.Store
	bus       *bus.Bus
	registry  *Registry
	presence  *Presence
	admission *admission.Pipeline
	trust     *trust.Cache

	guard    *limits.ResourceGuard
	connRate *limits.ConnectionRateLimiter

	nextID       atomic.Int64
	currentConns int64

	clientsMu sync.Mutex
	clients   map[int64]*Client

	draining atomic.Bool
}

type Deps struct {
	Store     *store.Store
	Bus       *bus.Bus
	Presence  *Presence
	Registry  *Registry
	Admission *admission.Pipeline
	Trust     *trust.Cache
	ConnRate  *limits.ConnectionRateLimiter
}

func NewServer(cfg *config.Gateway, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "gateway").Logger(),
		store:     deps.Store,
		bus:       deps.Bus,
		registry:  deps.Registry,
		presence:  deps.Presence,
		admission: deps.Admission,
		trust:     deps.Trust,
		connRate:  deps.ConnRate,
		clients:   make(map[int64]*Client),
	}
	s.guard = limits.NewResourceGuard(cfg.MaxConnections, cfg.CPURejectThreshold, &s.currentConns, logger)
	return s
}

// FanOut is the bus delivery handler; the main loop passes it to
// bus.Run.
func (s *Server) FanOut(channelID string, payload []byte) {
	s.fanOut(channelID, payload)
}

// HandleWS upgrades one HTTP request to a WebSocket session. A token
// query parameter authenticates an agent; its absence yields a
// read-only observer. Identity resolution runs async: frames arriving
// before it finishes are buffered and drained in order.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		monitoring.ConnectionsRejected.WithLabelValues("draining").Inc()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.cfg.ConnRateLimitEnabled {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.connRate.Allow(ip) {
			monitoring.ConnectionsRejected.WithLabelValues("conn_rate").Inc()
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	if reason := s.guard.Admit(); reason != limits.RejectNone {
		monitoring.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
		http.Error(w, "over capacity", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("upgrade").Inc()
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(s.nextID.Add(1), conn, admission.Observer(), s)
	atomic.AddInt64(&s.currentConns, 1)
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsCurrent.Inc()

	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()

	go s.writePump(c)
	go c.lifecycle(s.cfg.IdleTimeout, s.cfg.MaxSessionAge)
	go s.establish(c, token)
	go s.readPump(c)
}

// establish resolves the connection's identity off the accept path,
// then releases the pre-ready frame buffer.
func (s *Server) establish(c *Client, token string) {
	defer monitoring.RecoverPanic(s.logger, "establish", map[string]any{"client_id": c.id})

	if token != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		identity, aerr := s.admission.Authenticate(ctx, token)
		cancel()
		if aerr != nil {
			if aerr.Code == protocol.ErrQuarantined {
				c.enqueue(protocol.Marshal(protocol.QuarantinedFrame{Op: protocol.SrvQuarantined, Reason: aerr.Message}))
				c.shutdown(closeQuarantined, "quarantined", "quarantined")
				return
			}
			c.shutdown(closeAuthFailure, aerr.Message, "auth_failure")
			return
		}
		c.identity = identity
		s.registry.Track(c)
		s.presence.SetOnline(c)
		go s.recordSession(identity.AgentID)

		// Personal topic for targeted frames (challenge notifications).
		topic := bus.AgentTopic(identity.AgentID)
		if first := s.registry.Add(topic, c); first {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
			if err := s.bus.Subscribe(ctx, topic); err != nil {
				s.logger.Warn().Err(err).Str("agent_id", identity.AgentID).Msg("personal topic subscribe failed")
			}
			cancel()
		}
	}

	s.logger.Debug().
		Int64("client_id", c.id).
		Str("agent_id", c.identity.AgentID).
		Str("role", string(c.identity.Role)).
		Msg("connection established")

	c.markReady()
}

func (s *Server) recordSession(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()
	if err := s.store.RecordSession(ctx, agentID); err != nil {
		s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("session metrics write failed")
	}
}

// teardown runs once per connection, from the read pump's defer. It
// unwinds subscriptions, presence, and bus topics.
func (s *Server) teardown(c *Client) {
	c.shutdown(ws.StatusNormalClosure, "connection closed", "read_exit")

	s.clientsMu.Lock()
	delete(s.clients, c.id)
	s.clientsMu.Unlock()

	atomic.AddInt64(&s.currentConns, -1)
	monitoring.ConnectionsCurrent.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
	defer cancel()

	emptied := s.registry.Drop(c)
	for _, channelID := range emptied {
		if err := s.bus.Unsubscribe(ctx, channelID); err != nil {
			s.logger.Warn().Err(err).Str("channel_id", channelID).Msg("bus unsubscribe failed")
		}
	}

	// A pre-ready drain may still be dispatching on the establish
	// goroutine; snapshot subs under the dispatch lock.
	c.mu.Lock()
	subs := make([]string, 0, len(c.subs))
	for channelID := range c.subs {
		subs = append(subs, channelID)
	}
	c.mu.Unlock()
	for _, channelID := range subs {
		s.presence.Leave(ctx, channelID, c)
	}

	if c.identity.AgentID != "" && !s.registry.AgentConnected(c.identity.AgentID) {
		s.presence.SetOffline(c)
	}

	s.logger.Debug().
		Int64("client_id", c.id).
		Str("agent_id", c.identity.AgentID).
		Dur("session", time.Since(c.connectedAt)).
		Msg("connection closed")
}

// RunQuarantineSweep periodically closes sockets held by agents the
// trust worker has quarantined since they connected. Admission already
// refuses quarantined agents at connect time; the sweep catches the
// ones that were fine when they arrived.
func (s *Server) RunQuarantineSweep(ctx context.Context) {
	ticker := time.NewTicker(quarantineSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepQuarantined(ctx)
		}
	}
}

func (s *Server) sweepQuarantined(ctx context.Context) {
	s.registry.mu.RLock()
	agents := make([]string, 0, len(s.registry.byAgent))
	for id := range s.registry.byAgent {
		agents = append(agents, id)
	}
	s.registry.mu.RUnlock()

	for _, agentID := range agents {
		tc, err := s.trust.Get(ctx, agentID)
		if err != nil {
			s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("quarantine sweep trust lookup failed")
			continue
		}
		if tc.Tier != types.TierQuarantined {
			continue
		}
		for _, c := range s.registry.AgentSockets(agentID) {
			c.enqueue(protocol.Marshal(protocol.QuarantinedFrame{Op: protocol.SrvQuarantined, Reason: "agent is quarantined"}))
			c.shutdown(closeQuarantined, "quarantined", "quarantine_sweep")
		}
		s.logger.Info().Str("agent_id", agentID).Msg("quarantined agent disconnected")
	}
}

// Drain refuses new connections and waits for live ones to finish,
// then force-closes whatever remains when ctx expires.
func (s *Server) Drain(ctx context.Context) {
	s.draining.Store(true)
	s.logger.Info().Int64("connections", atomic.LoadInt64(&s.currentConns)).Msg("draining connections")

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.forceCloseAll()
			return
		case <-ticker.C:
			if atomic.LoadInt64(&s.currentConns) == 0 {
				s.logger.Info().Msg("all connections drained")
				return
			}
		}
	}
}

func (s *Server) forceCloseAll() {
	s.clientsMu.Lock()
	remaining := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		remaining = append(remaining, c)
	}
	s.clientsMu.Unlock()

	s.logger.Warn().Int("connections", len(remaining)).Msg("force closing remaining connections")
	for _, c := range remaining {
		c.shutdown(ws.StatusGoingAway, "server shutting down", "drain")
	}
}

// Stop releases the guard and limiter background loops.
func (s *Server) Stop() {
	s.guard.Stop()
	if s.connRate != nil {
		s.connRate.Stop()
	}
}
