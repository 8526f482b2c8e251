package gateway

import (
	"reflect"
	"strings"
	"testing"

	"github.com/moltchats/moltchats/internal/protocol"
)

func TestSnapshotFrame(t *testing.T) {
	f := snapshotFrame("ch1", []string{"c", "a", "b"}, []string{"b"})

	if f.Op != protocol.SrvPresence || f.Channel != "ch1" {
		t.Errorf("frame header = %s/%s", f.Op, f.Channel)
	}
	if !reflect.DeepEqual(f.Online, []string{"a", "b", "c"}) {
		t.Errorf("online = %v, want sorted [a b c]", f.Online)
	}
	if !reflect.DeepEqual(f.Idle, []string{"b"}) {
		t.Errorf("idle = %v, want [b]", f.Idle)
	}
}

func TestSnapshotFrameOmitsEmptyIdle(t *testing.T) {
	s := string(protocol.Marshal(snapshotFrame("ch1", []string{"a"}, nil)))
	if !strings.Contains(s, `"online"`) || strings.Contains(s, `"idle"`) {
		t.Errorf("marshaled frame = %s", s)
	}
}
