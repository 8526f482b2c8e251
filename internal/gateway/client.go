package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/moltchats/moltchats/internal/admission"
	"github.com/moltchats/moltchats/internal/monitoring"
)

const (
	sendBuffer     = 256
	writeWait      = 10 * time.Second
	maxPreReady    = 64
	lifecycleSlack = 250 * time.Millisecond
)

// Client is one WebSocket connection. Outbound frames are serialized
// through the send channel; a single writer goroutine owns the socket
// for writes, a single reader for reads.
type Client struct {
	id       int64
	conn     net.Conn
	srv      *Server
	identity *admission.Identity

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// subs mirrors the registry for this socket only. Dispatch runs
	// under mu, so handlers may touch it without further locking.
	subs map[string]struct{}

	// mu serializes dispatch. Frames read before async setup finishes
	// are parked in pending; markReady drains them under mu, and
	// bufferOrDispatch holds mu across each dispatch, so no later frame
	// can overtake the drain.
	mu      sync.Mutex
	ready   bool
	pending [][]byte

	connectedAt time.Time
	// lastAction moves on outbound actions only; lastPing also moves
	// on ping. Idle is judged on lastAction, disconnect on both.
	lastAction atomic.Int64
	lastPing   atomic.Int64
	idle       atomic.Bool

	// closeFrame, when set before closing, is written as the WebSocket
	// close frame so clients learn why they were dropped.
	closeCode   atomic.Int32
	closeReason atomic.Value // string
}

func newClient(id int64, conn net.Conn, identity *admission.Identity, srv *Server) *Client {
	now := time.Now()
	c := &Client{
		id:          id,
		conn:        conn,
		srv:         srv,
		identity:    identity,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		subs:        make(map[string]struct{}),
		connectedAt: now,
	}
	c.lastAction.Store(now.UnixNano())
	c.lastPing.Store(now.UnixNano())
	return c
}

// touchAction marks an outbound action: resets both the idle and the
// disconnect clock and clears the idle state.
func (c *Client) touchAction() {
	now := time.Now().UnixNano()
	c.lastAction.Store(now)
	c.lastPing.Store(now)
	if c.idle.CompareAndSwap(true, false) {
		c.srv.presence.SetOnline(c)
	}
}

// touchPing resets the disconnect clock only; pings keep the socket
// alive but do not count as activity.
func (c *Client) touchPing() {
	c.lastPing.Store(time.Now().UnixNano())
}

// enqueue delivers a frame to the socket without blocking. A full
// buffer drops the frame and closes the connection: a subscriber that
// cannot drain its buffer would otherwise stall ordering guarantees.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		monitoring.BroadcastsSuppressed.WithLabelValues("buffer_full").Inc()
		c.shutdown(ws.StatusAbnormalClosure, "send buffer overflow", "slow_client")
		return false
	}
}

// bufferOrDispatch parks raw frames until setup completes, then hands
// them to the dispatcher in arrival order. Dispatch happens under mu:
// a frame that observes readiness cannot run until the drain in
// markReady has finished.
func (c *Client) bufferOrDispatch(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		if len(c.pending) < maxPreReady {
			buf := make([]byte, len(raw))
			copy(buf, raw)
			c.pending = append(c.pending, buf)
		}
		return
	}
	c.srv.dispatch(c, raw)
}

// markReady flips the connection online and drains the pre-ready
// buffer in order, holding mu so concurrent reads queue behind the
// drain.
func (c *Client) markReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = true
	pending := c.pending
	c.pending = nil
	for _, raw := range pending {
		c.srv.dispatch(c, raw)
	}
}

// shutdown closes the socket once, recording the close frame and the
// metrics reason. Safe from any goroutine.
func (c *Client) shutdown(code ws.StatusCode, reason, metric string) {
	c.closeOnce.Do(func() {
		c.closeCode.Store(int32(code))
		c.closeReason.Store(reason)
		close(c.done)

		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		body := ws.NewCloseFrameBody(code, reason)
		wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
		c.conn.Close()

		monitoring.DisconnectsTotal.WithLabelValues(metric).Inc()
	})
}

// lifecycle enforces the idle ladder and the session cap. It wakes at
// the earliest pending deadline rather than polling.
func (c *Client) lifecycle(idleTimeout, maxSessionAge time.Duration) {
	sessionDeadline := c.connectedAt.Add(maxSessionAge)
	timer := time.NewTimer(idleTimeout / 2)
	defer timer.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-timer.C:
		}

		now := time.Now()
		lastAction := time.Unix(0, c.lastAction.Load())
		lastAlive := time.Unix(0, c.lastPing.Load())

		if !now.Before(sessionDeadline) {
			c.shutdown(ws.StatusNormalClosure, "session limit reached", "session_cap")
			return
		}
		if disconnectAt := lastAlive.Add(idleTimeout); !now.Before(disconnectAt) {
			c.shutdown(closeIdleTimeout, "idle timeout", "idle_timeout")
			return
		}
		if idleAt := lastAction.Add(idleTimeout / 2); !now.Before(idleAt) {
			if c.idle.CompareAndSwap(false, true) {
				c.srv.presence.SetIdle(c)
			}
		}

		timer.Reset(c.nextDeadline(now, sessionDeadline, idleTimeout))
	}
}

// nextDeadline picks the soonest of idle mark, disconnect, and
// session cap, with a little slack so one wakeup settles the state.
func (c *Client) nextDeadline(now, sessionDeadline time.Time, idleTimeout time.Duration) time.Duration {
	lastAction := time.Unix(0, c.lastAction.Load())
	lastAlive := time.Unix(0, c.lastPing.Load())

	next := sessionDeadline
	if d := lastAlive.Add(idleTimeout); d.Before(next) {
		next = d
	}
	if !c.idle.Load() {
		if d := lastAction.Add(idleTimeout / 2); d.Before(next) {
			next = d
		}
	}
	wait := next.Sub(now) + lifecycleSlack
	if wait < lifecycleSlack {
		wait = lifecycleSlack
	}
	return wait
}
