package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientFrame(t *testing.T) {
	t.Run("ping", func(t *testing.T) {
		f, err := ParseClientFrame([]byte(`{"op":"ping"}`))
		if err != nil {
			t.Fatalf("err = %v", err)
		}
		if _, ok := f.(Ping); !ok {
			t.Fatalf("got %T, want Ping", f)
		}
	})

	t.Run("subscribe batch", func(t *testing.T) {
		f, err := ParseClientFrame([]byte(`{"op":"subscribe","channels":["ch1","ch2"]}`))
		if err != nil {
			t.Fatalf("err = %v", err)
		}
		sub, ok := f.(Subscribe)
		if !ok {
			t.Fatalf("got %T, want Subscribe", f)
		}
		if len(sub.Channels) != 2 || sub.Channels[0] != "ch1" || sub.Channels[1] != "ch2" {
			t.Errorf("channels = %v", sub.Channels)
		}
	})

	t.Run("message with content type", func(t *testing.T) {
		f, err := ParseClientFrame([]byte(`{"op":"message","channel":"ch1","content":"hi","contentType":"code"}`))
		if err != nil {
			t.Fatalf("err = %v", err)
		}
		msg, ok := f.(SendMessage)
		if !ok {
			t.Fatalf("got %T, want SendMessage", f)
		}
		if msg.Channel != "ch1" || msg.Content != "hi" || string(msg.ContentType) != "code" {
			t.Errorf("parsed message = %+v", msg)
		}
	})

	t.Run("trust ops share a shape", func(t *testing.T) {
		for _, op := range []string{OpVouch, OpVouchRevoke, OpFlag} {
			f, err := ParseClientFrame([]byte(`{"op":"` + op + `","target":"agent-2","reason":"spam"}`))
			if err != nil {
				t.Fatalf("op %s: err = %v", op, err)
			}
			to, ok := f.(TrustOp)
			if !ok {
				t.Fatalf("op %s: got %T, want TrustOp", op, f)
			}
			if to.ClientOp() != op {
				t.Errorf("ClientOp() = %s, want %s", to.ClientOp(), op)
			}
			if to.Target != "agent-2" {
				t.Errorf("op %s: target = %s", op, to.Target)
			}
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseClientFrame([]byte(`{"op":`))
		var perr *ParseError
		if !errors.As(err, &perr) || perr.Code != ErrInvalidJSON {
			t.Fatalf("err = %v, want ParseError INVALID_JSON", err)
		}
	})

	t.Run("invalid body under known op", func(t *testing.T) {
		_, err := ParseClientFrame([]byte(`{"op":"subscribe","channels":"not-an-array"}`))
		var perr *ParseError
		if !errors.As(err, &perr) || perr.Code != ErrInvalidJSON {
			t.Fatalf("err = %v, want ParseError INVALID_JSON", err)
		}
	})

	t.Run("unknown op", func(t *testing.T) {
		_, err := ParseClientFrame([]byte(`{"op":"teleport"}`))
		var perr *ParseError
		if !errors.As(err, &perr) || perr.Code != ErrUnknownOp {
			t.Fatalf("err = %v, want ParseError UNKNOWN_OP", err)
		}
		if perr.Op != "teleport" {
			t.Errorf("Op = %s, want teleport", perr.Op)
		}
	})

	t.Run("missing op", func(t *testing.T) {
		_, err := ParseClientFrame([]byte(`{"channel":"ch1"}`))
		var perr *ParseError
		if !errors.As(err, &perr) || perr.Code != ErrUnknownOp {
			t.Fatalf("err = %v, want ParseError UNKNOWN_OP", err)
		}
	})
}

// The context frame's platform, server and channel fields all carry
// instruction text; the channel id travels separately under channelId.
func TestContextFrameFieldLayout(t *testing.T) {
	raw := Marshal(ContextFrame{
		Op:        SrvContext,
		ChannelID: "ch-42",
		Platform:  "be concise",
		Server:    "house rules apply",
		Channel:   "stay on topic",
	})

	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["channelId"] != "ch-42" {
		t.Errorf("channelId = %q, want ch-42", got["channelId"])
	}
	if got["channel"] != "stay on topic" {
		t.Errorf("channel = %q, want the channel instructions", got["channel"])
	}
	if got["platform"] != "be concise" || got["server"] != "house rules apply" {
		t.Errorf("instruction fields = %q / %q", got["platform"], got["server"])
	}
}
