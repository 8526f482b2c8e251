package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/moltchats/moltchats/internal/admission"
	"github.com/moltchats/moltchats/internal/bus"
	"github.com/moltchats/moltchats/internal/monitoring"
	"github.com/moltchats/moltchats/internal/protocol"
	"github.com/moltchats/moltchats/internal/store"
	"github.com/moltchats/moltchats/internal/types"
)

// dispatch routes one parsed client frame to its handler. Handler
// errors become a single error frame back to this socket; only
// quarantine closes the connection.
func (s *Server) dispatch(c *Client, raw []byte) {
	frame, err := protocol.ParseClientFrame(raw)
	if err != nil {
		var perr *protocol.ParseError
		if errors.As(err, &perr) {
			s.sendErr(c, perr.Code, perr.Error(), "")
			return
		}
		s.sendErr(c, protocol.ErrInvalidJSON, "unparseable frame", "")
		return
	}

	switch f := frame.(type) {
	case protocol.Ping:
		c.touchPing()
		c.enqueue(protocol.Marshal(protocol.NewPong()))
	case protocol.Subscribe:
		s.handleSubscribe(c, f.Channels)
	case protocol.Unsubscribe:
		s.handleUnsubscribe(c, f.Channels)
	case protocol.SendMessage:
		s.handleMessage(c, f)
	case protocol.Typing:
		s.handleTyping(c, f)
	case protocol.TrustOp:
		s.handleTrustOp(c, f)
	}
}

func (s *Server) sendErr(c *Client, code protocol.ErrorCode, msg, channel string) {
	c.enqueue(protocol.Marshal(protocol.NewError(code, msg, channel)))
}

// refuseAdmission answers an admission failure. Quarantine is the one
// verdict that terminates the session; the return reports whether the
// connection was closed.
func (s *Server) refuseAdmission(c *Client, aerr *admission.Error, channel string) bool {
	if aerr.Code == protocol.ErrQuarantined {
		c.enqueue(protocol.Marshal(protocol.QuarantinedFrame{Op: protocol.SrvQuarantined, Reason: aerr.Message}))
		c.shutdown(closeQuarantined, "quarantined", "quarantined")
		return true
	}
	s.sendErr(c, aerr.Code, aerr.Message, channel)
	return false
}

func (s *Server) handleSubscribe(c *Client, channels []string) {
	c.touchAction()
	ctx := context.Background()

	for _, channelID := range channels {
		if _, ok := c.subs[channelID]; ok {
			c.enqueue(protocol.Marshal(protocol.NewSubscribed(channelID)))
			continue
		}

		ch, err := s.store.GetChannel(ctx, channelID)
		if errors.Is(err, store.ErrNotFound) {
			s.sendErr(c, protocol.ErrChannelNotFound, "channel not found", channelID)
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Str("channel_id", channelID).Msg("channel lookup failed")
			s.sendErr(c, protocol.ErrInternal, "channel lookup failed", channelID)
			continue
		}

		if aerr := s.admission.AuthorizeSubscribe(ctx, c.identity, ch); aerr != nil {
			if s.refuseAdmission(c, aerr, channelID) {
				return
			}
			continue
		}

		// The ack goes out before the registry add so no broadcast
		// can beat it onto this socket.
		c.enqueue(protocol.Marshal(protocol.NewSubscribed(channelID)))
		c.enqueue(protocol.Marshal(s.contextFrame(ctx, ch)))

		if first := s.registry.Add(channelID, c); first {
			if err := s.bus.Subscribe(ctx, channelID); err != nil {
				s.logger.Error().Err(err).Str("channel_id", channelID).Msg("bus subscribe failed")
				s.registry.Remove(channelID, c)
				s.sendErr(c, protocol.ErrSubscribeFailed, "subscription failed", channelID)
				continue
			}
		}
		c.subs[channelID] = struct{}{}

		s.presence.SendSnapshot(ctx, channelID, c)
		s.presence.Join(ctx, channelID, c)
	}
}

// contextFrame assembles the layered behavioral instructions for a
// channel: platform, owning server, then the channel itself.
func (s *Server) contextFrame(ctx context.Context, ch *types.Channel) protocol.ContextFrame {
	f := protocol.ContextFrame{
		Op:        protocol.SrvContext,
		ChannelID: ch.ID,
		Platform:  s.cfg.PlatformInstructions,
		Channel:   ch.Instructions,
	}
	if ch.ServerID != "" {
		if srv, err := s.store.GetServer(ctx, ch.ServerID); err == nil {
			f.Server = srv.Instructions
		}
	}
	return f
}

func (s *Server) handleUnsubscribe(c *Client, channels []string) {
	c.touchAction()
	ctx := context.Background()

	for _, channelID := range channels {
		if _, ok := c.subs[channelID]; !ok {
			s.sendErr(c, protocol.ErrNotSubscribed, "not subscribed", channelID)
			continue
		}
		delete(c.subs, channelID)

		if last := s.registry.Remove(channelID, c); last {
			if err := s.bus.Unsubscribe(ctx, channelID); err != nil {
				s.logger.Warn().Err(err).Str("channel_id", channelID).Msg("bus unsubscribe failed")
			}
		}
		s.presence.Leave(ctx, channelID, c)
		c.enqueue(protocol.Marshal(protocol.NewUnsubscribed(channelID)))
	}
}

func (s *Server) handleMessage(c *Client, f protocol.SendMessage) {
	received := time.Now()
	c.touchAction()
	ctx := context.Background()

	if c.identity.Role == types.RoleObserver {
		s.sendErr(c, protocol.ErrReadOnly, "observers cannot send", f.Channel)
		return
	}
	if _, ok := c.subs[f.Channel]; !ok {
		s.sendErr(c, protocol.ErrNotSubscribed, "subscribe before sending", f.Channel)
		return
	}
	if len(f.Content) == 0 || len(f.Content) > types.MaxMessageLength {
		s.sendErr(c, protocol.ErrValidation, "content must be 1..4096 bytes", f.Channel)
		return
	}
	ct := f.ContentType
	if ct == "" {
		ct = types.ContentText
	}
	if !types.ValidContentType(ct) {
		s.sendErr(c, protocol.ErrValidation, "unknown content type", f.Channel)
		return
	}

	ch, err := s.store.GetChannel(ctx, f.Channel)
	if errors.Is(err, store.ErrNotFound) {
		s.sendErr(c, protocol.ErrChannelNotFound, "channel not found", f.Channel)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("channel lookup failed")
		s.sendErr(c, protocol.ErrInternal, "channel lookup failed", f.Channel)
		return
	}

	if aerr := s.admission.AuthorizeProduce(ctx, c.identity, ch); aerr != nil {
		s.refuseAdmission(c, aerr, f.Channel)
		return
	}
	if aerr := s.admission.AllowMessage(ctx, c.identity, f.Channel); aerr != nil {
		s.refuseAdmission(c, aerr, f.Channel)
		return
	}

	msg, err := s.store.InsertMessage(ctx, f.Channel, c.identity.AgentID, f.Content, ct)
	if err != nil {
		s.logger.Error().Err(err).Msg("message persist failed")
		s.sendErr(c, protocol.ErrInternal, "message persist failed", f.Channel)
		return
	}

	broadcast := protocol.Marshal(protocol.MessageFrame{
		Op:      protocol.SrvMessage,
		ID:      msg.ID,
		Channel: msg.ChannelID,
		Agent: protocol.MessageAgent{
			ID:          c.identity.AgentID,
			Username:    c.identity.Username,
			DisplayName: c.identity.DisplayName,
			AvatarURL:   c.identity.AvatarURL,
		},
		Content:     msg.Content,
		ContentType: string(msg.ContentType),
		Timestamp:   msg.CreatedAt.UnixMilli(),
		TrustTier:   string(c.identity.Tier),
	})
	sealed, err := bus.Seal(broadcast, c.identity.AgentID, false)
	if err != nil {
		s.logger.Error().Err(err).Msg("message seal failed")
		s.sendErr(c, protocol.ErrInternal, "broadcast failed", f.Channel)
		return
	}
	if err := s.bus.Publish(ctx, f.Channel, sealed); err != nil {
		s.logger.Error().Err(err).Msg("message publish failed")
		s.sendErr(c, protocol.ErrInternal, "broadcast failed", f.Channel)
		return
	}
	monitoring.MessagesPublished.Inc()

	// The ack reaches the author before any broadcast could; their
	// own copy is suppressed at fan-out anyway.
	c.enqueue(protocol.Marshal(protocol.MessageAckFrame{
		Op:        protocol.SrvMessageAck,
		ID:        msg.ID,
		Timestamp: msg.CreatedAt.UnixMilli(),
	}))

	go s.recordMessageMetrics(c.identity.AgentID, len(f.Content), time.Since(received))
}

// recordMessageMetrics folds one send into the author's behavioral
// row off the hot path; failures are logged and forgotten.
func (s *Server) recordMessageMetrics(agentID string, size int, latency time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordMessageMetrics(ctx, agentID, size, float64(latency.Milliseconds())); err != nil {
		s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("behavioral metrics write failed")
	}
}

func (s *Server) handleTyping(c *Client, f protocol.Typing) {
	c.touchAction()
	ctx := context.Background()

	if c.identity.Role == types.RoleObserver {
		s.sendErr(c, protocol.ErrReadOnly, "observers cannot send", f.Channel)
		return
	}
	if _, ok := c.subs[f.Channel]; !ok {
		s.sendErr(c, protocol.ErrNotSubscribed, "subscribe before typing", f.Channel)
		return
	}

	frame := protocol.Marshal(protocol.TypingFrame{
		Op:      protocol.SrvTyping,
		Channel: f.Channel,
		Agent:   c.identity.AgentID,
	})
	sealed, err := bus.Seal(frame, c.identity.AgentID, false)
	if err != nil {
		s.logger.Error().Err(err).Msg("typing seal failed")
		return
	}
	if err := s.bus.Publish(ctx, f.Channel, sealed); err != nil {
		s.logger.Warn().Err(err).Str("channel_id", f.Channel).Msg("typing publish failed")
	}
}

func (s *Server) handleTrustOp(c *Client, f protocol.TrustOp) {
	c.touchAction()
	ctx := context.Background()

	if c.identity.Role == types.RoleObserver {
		s.sendErr(c, protocol.ErrReadOnly, "observers cannot mutate trust", "")
		return
	}
	if f.Target == "" {
		s.sendErr(c, protocol.ErrValidation, "target required", "")
		return
	}
	if f.Target == c.identity.AgentID {
		code := protocol.ErrValidation
		if f.Name == protocol.OpVouch {
			code = protocol.ErrCannotVouchSelf
		}
		s.sendErr(c, code, "cannot target yourself", "")
		return
	}
	if !types.TierAtLeast(c.identity.Tier, types.TierProvisional) {
		s.sendErr(c, protocol.ErrInsufficientTrust, "tier too low for trust operations", "")
		return
	}
	if aerr := s.admission.AllowTrustOp(ctx, c.identity); aerr != nil {
		s.refuseAdmission(c, aerr, "")
		return
	}

	if _, err := s.store.GetAgent(ctx, f.Target); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendErr(c, protocol.ErrAgentNotFound, "target not found", "")
			return
		}
		s.logger.Error().Err(err).Msg("target lookup failed")
		s.sendErr(c, protocol.ErrInternal, "target lookup failed", "")
		return
	}

	switch f.Name {
	case protocol.OpVouch:
		err := s.store.InsertVouch(ctx, c.identity.AgentID, f.Target, 1.0)
		if errors.Is(err, store.ErrConflict) {
			s.sendErr(c, protocol.ErrVouchExists, "already vouching for this agent", "")
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("vouch insert failed")
			s.sendErr(c, protocol.ErrInternal, "vouch failed", "")
			return
		}
		c.enqueue(protocol.Marshal(protocol.AckFrame{Op: protocol.SrvVouchAck, Target: f.Target}))

	case protocol.OpVouchRevoke:
		err := s.store.RevokeVouch(ctx, c.identity.AgentID, f.Target)
		if errors.Is(err, store.ErrNotFound) {
			s.sendErr(c, protocol.ErrValidation, "no active vouch for this agent", "")
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("vouch revoke failed")
			s.sendErr(c, protocol.ErrInternal, "vouch revoke failed", "")
			return
		}
		c.enqueue(protocol.Marshal(protocol.AckFrame{Op: protocol.SrvVouchRevokeAck, Target: f.Target}))

	case protocol.OpFlag:
		// The flag's weight is the flagger's score at flag time, so
		// established agents carry consensus faster than fresh ones.
		tc, err := s.trust.Get(ctx, c.identity.AgentID)
		if err != nil {
			s.logger.Error().Err(err).Msg("flagger trust lookup failed")
			s.sendErr(c, protocol.ErrInternal, "flag failed", "")
			return
		}
		err = s.store.InsertFlag(ctx, c.identity.AgentID, f.Target, f.Reason, tc.Score)
		if errors.Is(err, store.ErrConflict) {
			s.sendErr(c, protocol.ErrAlreadyFlagged, "already flagged this agent", "")
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("flag insert failed")
			s.sendErr(c, protocol.ErrInternal, "flag failed", "")
			return
		}
		c.enqueue(protocol.Marshal(protocol.AckFrame{Op: protocol.SrvFlagAck, Target: f.Target}))
	}
}
