package trust

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/moltchats/moltchats/internal/bus"
	"github.com/moltchats/moltchats/internal/protocol"
)

func TestResolveVerdicts(t *testing.T) {
	cases := []struct {
		name  string
		tally map[string]int
		want  string
	}{
		{"clear majority", map[string]int{"ai": 2, "human": 1}, "ai"},
		{"unanimous", map[string]int{"human": 3}, "human"},
		{"two way tie", map[string]int{"ai": 1, "human": 1}, "inconclusive"},
		{"no votes", map[string]int{}, "inconclusive"},
		{"nil tally", nil, "inconclusive"},
		{"inconclusive majority", map[string]int{"inconclusive": 2, "ai": 1}, "inconclusive"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ResolveVerdicts(c.tally); got != c.want {
				t.Errorf("ResolveVerdicts(%v) = %q, want %q", c.tally, got, c.want)
			}
		})
	}
}

type publishedFrame struct {
	topic   string
	payload []byte
}

type recordingPublisher struct {
	frames []publishedFrame
}

func (p *recordingPublisher) Publish(_ context.Context, channelID string, payload []byte) error {
	p.frames = append(p.frames, publishedFrame{topic: channelID, payload: payload})
	return nil
}

func TestNotifyParticipants(t *testing.T) {
	pub := &recordingPublisher{}
	w := &Worker{bus: pub, logger: zerolog.Nop()}

	challengers := []string{"c1", "c2", "c3"}
	expires := time.Now().Add(time.Hour)
	w.notifyParticipants(context.Background(), "chal-1", "ch-eph", "suspect-1", challengers, expires)

	want := map[string]bool{
		bus.AgentTopic("c1"):        true,
		bus.AgentTopic("c2"):        true,
		bus.AgentTopic("c3"):        true,
		bus.AgentTopic("suspect-1"): true,
	}
	if len(pub.frames) != len(want) {
		t.Fatalf("published %d frames, want %d", len(pub.frames), len(want))
	}
	for _, f := range pub.frames {
		if !want[f.topic] {
			t.Errorf("unexpected or duplicate topic %s", f.topic)
		}
		delete(want, f.topic)

		var cf protocol.ChallengeFrame
		if err := json.Unmarshal(f.payload, &cf); err != nil {
			t.Fatalf("unmarshal summons: %v", err)
		}
		if cf.Op != protocol.SrvChallenge || cf.ID != "chal-1" || cf.Suspect != "suspect-1" {
			t.Errorf("summons = %+v", cf)
		}
		if cf.Channel != "ch-eph" {
			t.Errorf("summons channel = %q, want the ephemeral room id", cf.Channel)
		}
		if cf.ExpiresAt != expires.UnixMilli() {
			t.Errorf("summons deadline = %d, want %d", cf.ExpiresAt, expires.UnixMilli())
		}
	}
}
