package gateway

import (
	"reflect"
	"sort"
	"testing"

	"github.com/moltchats/moltchats/internal/admission"
)

func newTestClient(agentID string) *Client {
	return &Client{
		identity: &admission.Identity{AgentID: agentID},
		send:     make(chan []byte, 8),
		subs:     make(map[string]struct{}),
	}
}

func TestRegistryFirstAndLast(t *testing.T) {
	r := NewRegistry()
	a := newTestClient("a")
	b := newTestClient("b")

	if !r.Add("ch1", a) {
		t.Error("first subscriber not reported as first")
	}
	if r.Add("ch1", b) {
		t.Error("second subscriber reported as first")
	}
	if r.Add("ch1", a) {
		t.Error("duplicate add reported as first")
	}

	if r.Remove("ch1", a) {
		t.Error("remove with one subscriber left reported as last")
	}
	if !r.Remove("ch1", b) {
		t.Error("final remove not reported as last")
	}
	if got := r.Subscribers("ch1"); len(got) != 0 {
		t.Errorf("subscribers after teardown: %d", len(got))
	}
}

func TestRegistryDrop(t *testing.T) {
	r := NewRegistry()
	a := newTestClient("a")
	b := newTestClient("b")

	r.Track(a)
	r.Track(b)
	r.Add("ch1", a)
	r.Add("ch1", b)
	r.Add("ch2", a)

	emptied := r.Drop(a)
	if len(emptied) != 1 || emptied[0] != "ch2" {
		t.Errorf("emptied = %v, want [ch2]", emptied)
	}
	if subs := r.Subscribers("ch1"); len(subs) != 1 || subs[0] != b {
		t.Errorf("ch1 should retain b only, got %d subscribers", len(subs))
	}
	if r.AgentConnected("a") {
		t.Error("dropped agent still connected")
	}
	if !r.AgentConnected("b") {
		t.Error("unrelated agent lost tracking")
	}
}

func TestRegistryChannels(t *testing.T) {
	r := NewRegistry()
	a := newTestClient("a")
	b := newTestClient("b")
	r.Add("ch1", a)
	r.Add("ch2", a)
	r.Add("ch1", b)

	got := r.Channels(a)
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"ch1", "ch2"}) {
		t.Errorf("Channels(a) = %v, want [ch1 ch2]", got)
	}
	if got := r.Channels(b); !reflect.DeepEqual(got, []string{"ch1"}) {
		t.Errorf("Channels(b) = %v, want [ch1]", got)
	}
	if got := r.Channels(newTestClient("c")); got != nil {
		t.Errorf("Channels of unknown socket = %v", got)
	}
}

func TestRegistryAgentSockets(t *testing.T) {
	r := NewRegistry()
	a1 := newTestClient("a")
	a2 := newTestClient("a")
	r.Track(a1)
	r.Track(a2)

	if got := r.AgentSockets("a"); len(got) != 2 {
		t.Errorf("sockets = %d, want 2", len(got))
	}

	r.Drop(a1)
	if got := r.AgentSockets("a"); len(got) != 1 {
		t.Errorf("sockets after drop = %d, want 1", len(got))
	}
}

func TestRegistryObserverUntracked(t *testing.T) {
	r := NewRegistry()
	obs := newTestClient("")
	r.Track(obs)

	if !r.Add("ch1", obs) {
		t.Error("observer subscription not first")
	}
	if r.AgentConnected("") {
		t.Error("observer tracked under empty agent id")
	}
}
