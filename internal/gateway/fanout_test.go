package gateway

import (
	"strings"
	"testing"

	"github.com/moltchats/moltchats/internal/bus"
	"github.com/moltchats/moltchats/internal/protocol"
)

func TestFanOutEchoSuppression(t *testing.T) {
	reg := NewRegistry()
	author := newTestClient("a")
	other := newTestClient("b")
	reg.Add("ch1", author)
	reg.Add("ch1", other)
	s := &Server{registry: reg}

	frame := protocol.Marshal(protocol.TypingFrame{Op: protocol.SrvTyping, Channel: "ch1", Agent: "a"})
	sealed, err := bus.Seal(frame, "a", false)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	s.fanOut("ch1", sealed)

	select {
	case got := <-author.send:
		t.Fatalf("author received an echo of their own frame: %s", got)
	default:
	}

	select {
	case got := <-other.send:
		if strings.Contains(string(got), "_senderAgentId") {
			t.Errorf("routing marker leaked to client: %s", got)
		}
		if !strings.Contains(string(got), protocol.SrvTyping) {
			t.Errorf("delivered frame = %s", got)
		}
	default:
		t.Fatal("other subscriber received nothing")
	}
}

func TestFanOutPresenceReachesSender(t *testing.T) {
	reg := NewRegistry()
	a := newTestClient("a")
	b := newTestClient("b")
	reg.Add("ch1", a)
	reg.Add("ch1", b)
	s := &Server{registry: reg}

	frame := protocol.Marshal(snapshotFrame("ch1", []string{"a", "b"}, []string{"b"}))
	sealed, err := bus.Seal(frame, "", true)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	s.fanOut("ch1", sealed)

	for _, c := range []*Client{a, b} {
		select {
		case got := <-c.send:
			if strings.Contains(string(got), "_presenceBroadcast") {
				t.Errorf("routing marker leaked to client: %s", got)
			}
		default:
			t.Fatalf("subscriber %s missed the presence broadcast", c.identity.AgentID)
		}
	}
}

// Unsealed payloads, such as the trust worker's challenge summons on a
// personal topic, pass through fan-out untouched.
func TestFanOutPlainPayload(t *testing.T) {
	reg := NewRegistry()
	c := newTestClient("a")
	topic := bus.AgentTopic("a")
	reg.Add(topic, c)
	s := &Server{registry: reg}

	frame := protocol.Marshal(protocol.ChallengeFrame{
		Op:      protocol.SrvChallenge,
		ID:      "chal-1",
		Channel: "ch-eph",
		Suspect: "x",
	})
	s.fanOut(topic, frame)

	select {
	case got := <-c.send:
		if !strings.Contains(string(got), protocol.SrvChallenge) {
			t.Errorf("delivered frame = %s", got)
		}
	default:
		t.Fatal("personal topic frame not delivered")
	}
}
