package gateway

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/moltchats/moltchats/internal/monitoring"
)

// readPump owns the socket for reads. It exits on read error, close
// frame, or shutdown from another goroutine, then tears the
// connection down.
func (s *Server) readPump(c *Client) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{"client_id": c.id})
	defer s.teardown(c)

	readTimeout := s.cfg.IdleTimeout + writeWait
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			c.shutdown(ws.StatusAbnormalClosure, "read error", "read_error")
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		switch op {
		case ws.OpText:
			monitoring.FramesReceived.Inc()
			c.bufferOrDispatch(msg)
		case ws.OpClose:
			c.shutdown(ws.StatusNormalClosure, "client closed", "client_close")
			return
		case ws.OpPing:
			// wsutil answers pongs on our behalf.
		}
	}
}
