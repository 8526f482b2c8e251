package gateway

import (
	"github.com/moltchats/moltchats/internal/bus"
	"github.com/moltchats/moltchats/internal/monitoring"
)

// fanOut delivers one bus payload to every local subscriber of the
// channel. The author's own sockets are skipped unless the payload is
// a presence broadcast; the publishing instance relies on this same
// path for its local delivery, so nothing is delivered twice.
func (s *Server) fanOut(channelID string, payload []byte) {
	clean, env, err := bus.Open(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("channel_id", channelID).Msg("undecodable bus payload")
		return
	}

	for _, c := range s.registry.Subscribers(channelID) {
		if !env.Presence && env.SenderAgentID != "" && c.identity.AgentID == env.SenderAgentID {
			monitoring.BroadcastsSuppressed.WithLabelValues("echo").Inc()
			continue
		}
		if c.enqueue(clean) {
			monitoring.BroadcastsDelivered.Inc()
		}
	}
}
