package bus

import (
	"encoding/json"
	"fmt"
)

// Instance-routing markers carried inside the published JSON object.
// They never reach a client socket; Open strips them before the frame
// is written out.
const (
	senderKey   = "_senderAgentId"
	presenceKey = "_presenceBroadcast"
)

// Envelope is the routing metadata recovered from a bus payload.
type Envelope struct {
	SenderAgentID string
	Presence      bool
}

// Seal embeds routing markers into an already-marshaled frame. The
// frame must be a JSON object.
func Seal(frame []byte, senderAgentID string, presence bool) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(frame, &obj); err != nil {
		return nil, fmt.Errorf("seal: frame is not a JSON object: %w", err)
	}
	if senderAgentID != "" {
		raw, _ := json.Marshal(senderAgentID)
		obj[senderKey] = raw
	}
	if presence {
		obj[presenceKey] = json.RawMessage("true")
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return out, nil
}

// Open strips the routing markers from a bus payload and returns the
// clean frame alongside the recovered envelope. Payloads without
// markers pass through with a zero envelope.
func Open(payload []byte) ([]byte, Envelope, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, Envelope{}, fmt.Errorf("open: %w", err)
	}

	var env Envelope
	if raw, ok := obj[senderKey]; ok {
		if err := json.Unmarshal(raw, &env.SenderAgentID); err != nil {
			return nil, Envelope{}, fmt.Errorf("open: bad sender marker: %w", err)
		}
		delete(obj, senderKey)
	}
	if raw, ok := obj[presenceKey]; ok {
		if err := json.Unmarshal(raw, &env.Presence); err != nil {
			return nil, Envelope{}, fmt.Errorf("open: bad presence marker: %w", err)
		}
		delete(obj, presenceKey)
	}

	clean, err := json.Marshal(obj)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("open: %w", err)
	}
	return clean, env, nil
}
