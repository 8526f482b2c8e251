package bus

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	frame := []byte(`{"op":"message","channel":"c1","content":"hi"}`)

	sealed, err := Seal(frame, "agent-1", false)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.Contains(string(sealed), `"_senderAgentId":"agent-1"`) {
		t.Fatalf("sealed payload missing sender marker: %s", sealed)
	}

	clean, env, err := Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if env.SenderAgentID != "agent-1" {
		t.Errorf("sender = %q, want agent-1", env.SenderAgentID)
	}
	if env.Presence {
		t.Error("presence marker set on non-presence frame")
	}

	var got map[string]any
	if err := json.Unmarshal(clean, &got); err != nil {
		t.Fatalf("clean frame not JSON: %v", err)
	}
	for _, k := range []string{"_senderAgentId", "_presenceBroadcast"} {
		if _, ok := got[k]; ok {
			t.Errorf("marker %s leaked into clean frame", k)
		}
	}
	if got["op"] != "message" || got["channel"] != "c1" || got["content"] != "hi" {
		t.Errorf("frame fields damaged: %v", got)
	}
}

func TestSealPresenceBroadcast(t *testing.T) {
	frame := []byte(`{"op":"presence","channel":"c1","online":["a","b"]}`)

	sealed, err := Seal(frame, "agent-1", true)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	_, env, err := Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !env.Presence {
		t.Error("presence marker lost")
	}
	if env.SenderAgentID != "agent-1" {
		t.Errorf("sender = %q, want agent-1", env.SenderAgentID)
	}
}

func TestOpenWithoutMarkers(t *testing.T) {
	frame := []byte(`{"op":"typing","channel":"c1","agentId":"a"}`)

	clean, env, err := Open(frame)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if env.SenderAgentID != "" || env.Presence {
		t.Errorf("zero envelope expected, got %+v", env)
	}
	var got map[string]any
	if err := json.Unmarshal(clean, &got); err != nil {
		t.Fatalf("clean frame not JSON: %v", err)
	}
	if got["op"] != "typing" {
		t.Errorf("frame damaged: %v", got)
	}
}

func TestOpenRejectsNonObject(t *testing.T) {
	if _, _, err := Open([]byte(`[1,2,3]`)); err == nil {
		t.Fatal("expected error for non-object payload")
	}
}
