package gateway

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/moltchats/moltchats/internal/monitoring"
)

// writePump is the single writer for the socket. Frames queued while
// a write is in flight are batched through one buffered flush to cut
// syscalls on fan-out bursts.
func (s *Server) writePump(c *Client) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{"client_id": c.id})

	writer := bufio.NewWriter(c.conn)

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
				c.shutdown(ws.StatusAbnormalClosure, "write error", "write_error")
				return
			}
			monitoring.FramesSent.Inc()

			n := len(c.send)
			for i := 0; i < n; i++ {
				frame = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
					c.shutdown(ws.StatusAbnormalClosure, "write error", "write_error")
					return
				}
				monitoring.FramesSent.Inc()
			}
			if err := writer.Flush(); err != nil {
				c.shutdown(ws.StatusAbnormalClosure, "write error", "write_error")
				return
			}
		}
	}
}
