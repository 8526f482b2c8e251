package gateway

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/moltchats/moltchats/internal/admission"
	"github.com/moltchats/moltchats/internal/protocol"
)

// fakeConn satisfies net.Conn for tests that exercise the client state
// machine without a real socket.
type fakeConn struct{}

func (fakeConn) Read(b []byte) (int, error)         { return 0, net.ErrClosed }
func (fakeConn) Write(b []byte) (int, error)        { return len(b), nil }
func (fakeConn) Close() error                       { return nil }
func (fakeConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (fakeConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (fakeConn) SetDeadline(t time.Time) error      { return nil }
func (fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (fakeConn) SetWriteDeadline(t time.Time) error { return nil }

// drainSend pops every frame currently buffered on the socket.
func drainSend(c *Client) []string {
	var out []string
	for {
		select {
		case f := <-c.send:
			out = append(out, string(f))
		default:
			return out
		}
	}
}

func TestPreReadyBuffering(t *testing.T) {
	srv := &Server{}
	c := newClient(1, fakeConn{}, admission.Observer(), srv)

	c.bufferOrDispatch([]byte(`{"op":"ping"}`))
	if got := drainSend(c); len(got) != 0 {
		t.Fatalf("frame dispatched before ready: %v", got)
	}

	c.markReady()
	got := drainSend(c)
	if len(got) != 1 || !strings.Contains(got[0], protocol.SrvPong) {
		t.Fatalf("drain after ready = %v, want one pong", got)
	}

	c.bufferOrDispatch([]byte(`{"op":"ping"}`))
	got = drainSend(c)
	if len(got) != 1 {
		t.Fatalf("post-ready frame not dispatched immediately: %v", got)
	}
}

func TestPreReadyBufferCap(t *testing.T) {
	srv := &Server{}
	c := newClient(1, fakeConn{}, admission.Observer(), srv)

	for i := 0; i < maxPreReady+10; i++ {
		c.bufferOrDispatch([]byte(`{"op":"ping"}`))
	}
	c.markReady()
	if got := len(drainSend(c)); got != maxPreReady {
		t.Fatalf("drained %d frames, want %d", got, maxPreReady)
	}
}

// A frame arriving while the pre-ready drain runs must not overtake
// any buffered frame, regardless of which goroutine wins the race.
func TestPreReadyDrainOrdering(t *testing.T) {
	const buffered = 10
	for trial := 0; trial < 500; trial++ {
		srv := &Server{}
		c := newClient(1, fakeConn{}, admission.Observer(), srv)

		for i := 0; i < buffered; i++ {
			c.bufferOrDispatch([]byte(fmt.Sprintf(`{"op":"early%d"}`, i)))
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.markReady()
		}()
		go func() {
			defer wg.Done()
			c.bufferOrDispatch([]byte(`{"op":"late"}`))
		}()
		wg.Wait()

		frames := drainSend(c)
		if len(frames) != buffered+1 {
			t.Fatalf("trial %d: got %d frames, want %d", trial, len(frames), buffered+1)
		}
		for i := 0; i < buffered; i++ {
			if want := fmt.Sprintf("early%d", i); !strings.Contains(frames[i], want) {
				t.Fatalf("trial %d: frame %d = %s, want reply to %s", trial, i, frames[i], want)
			}
		}
		if !strings.Contains(frames[buffered], "late") {
			t.Fatalf("trial %d: late frame answered out of order: %s", trial, frames[buffered])
		}
	}
}

func TestLifecycleIdleDisconnect(t *testing.T) {
	srv := &Server{presence: &Presence{}}
	c := newClient(1, fakeConn{}, admission.Observer(), srv)

	exited := make(chan struct{})
	go func() {
		c.lifecycle(100*time.Millisecond, time.Hour)
		close(exited)
	}()

	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		t.Fatal("lifecycle never disconnected the idle connection")
	}

	select {
	case <-c.done:
	default:
		t.Fatal("socket not shut down")
	}
	if got := c.closeCode.Load(); got != int32(protocol.CloseIdleTimeout) {
		t.Errorf("close code = %d, want %d", got, protocol.CloseIdleTimeout)
	}
	if !c.idle.Load() {
		t.Error("connection never passed through the idle state")
	}
}

func TestLifecyclePingDefersDisconnect(t *testing.T) {
	srv := &Server{presence: &Presence{}}
	c := newClient(1, fakeConn{}, admission.Observer(), srv)
	go c.lifecycle(200*time.Millisecond, time.Hour)

	// Pings hold the disconnect off but do not count as activity, so
	// the connection goes idle while staying open.
	deadline := time.Now().Add(600 * time.Millisecond)
	for time.Now().Before(deadline) {
		c.touchPing()
		select {
		case <-c.done:
			t.Fatal("pinging connection was disconnected")
		case <-time.After(50 * time.Millisecond):
		}
	}
	if !c.idle.Load() {
		t.Error("pings counted as activity: connection never went idle")
	}

	select {
	case <-c.done:
	case <-time.After(3 * time.Second):
		t.Fatal("connection survived after pings stopped")
	}
	if got := c.closeCode.Load(); got != int32(protocol.CloseIdleTimeout) {
		t.Errorf("close code = %d, want %d", got, protocol.CloseIdleTimeout)
	}
}

func TestLifecycleSessionCap(t *testing.T) {
	srv := &Server{presence: &Presence{}}
	c := newClient(1, fakeConn{}, admission.Observer(), srv)
	go c.lifecycle(300*time.Millisecond, 100*time.Millisecond)

	select {
	case <-c.done:
	case <-time.After(3 * time.Second):
		t.Fatal("session cap never closed the connection")
	}
	if got := c.closeCode.Load(); got == int32(protocol.CloseIdleTimeout) {
		t.Error("session cap reported as idle timeout")
	}
}
