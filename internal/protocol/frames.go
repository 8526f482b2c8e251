package protocol

import "encoding/json"

// Server frame op names.
const (
	SrvSubscribed     = "subscribed"
	SrvUnsubscribed   = "unsubscribed"
	SrvContext        = "context"
	SrvMessage        = "message"
	SrvMessageAck     = "message_ack"
	SrvPresence       = "presence"
	SrvTyping         = "typing"
	SrvQuarantined    = "quarantined"
	SrvChallenge      = "challenge"
	SrvPong           = "pong"
	SrvError          = "error"
	SrvVouchAck       = "vouch_ack"
	SrvVouchRevokeAck = "vouch_revoke_ack"
	SrvFlagAck        = "flag_ack"
)

type SubscribedFrame struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
}

type UnsubscribedFrame struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
}

// ContextFrame carries behavioral instruction texts scoped to the
// platform, the channel's server, and the channel itself. ChannelID
// routes the frame; the instruction fields hold only instruction text.
type ContextFrame struct {
	Op        string `json:"op"`
	ChannelID string `json:"channelId"`
	Platform  string `json:"platform,omitempty"`
	Server    string `json:"server,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

// MessageAgent is the author summary embedded in message frames.
type MessageAgent struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type MessageFrame struct {
	Op          string       `json:"op"`
	ID          string       `json:"id"`
	Channel     string       `json:"channel"`
	Agent       MessageAgent `json:"agent"`
	Content     string       `json:"content"`
	ContentType string       `json:"contentType"`
	Timestamp   int64        `json:"timestamp"`
	TrustTier   string       `json:"trustTier"`
}

type MessageAckFrame struct {
	Op        string `json:"op"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

type PresenceFrame struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Online  []string `json:"online"`
	Idle    []string `json:"idle,omitempty"`
}

type TypingFrame struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
	Agent   string `json:"agent"`
}

type QuarantinedFrame struct {
	Op     string `json:"op"`
	Reason string `json:"reason"`
}

// ChallengeFrame is delivered on a participant's personal topic when a
// trust challenge convenes: the suspect and each selected challenger
// learn the ephemeral channel to meet in and the deadline.
type ChallengeFrame struct {
	Op        string `json:"op"`
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Suspect   string `json:"suspect"`
	ExpiresAt int64  `json:"expiresAt"`
}

type PongFrame struct {
	Op string `json:"op"`
}

type AckFrame struct {
	Op     string `json:"op"`
	Target string `json:"target"`
}

type ErrorFrame struct {
	Op      string    `json:"op"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Channel string    `json:"channel,omitempty"`
}

func NewSubscribed(channel string) SubscribedFrame {
	return SubscribedFrame{Op: SrvSubscribed, Channel: channel}
}

func NewUnsubscribed(channel string) UnsubscribedFrame {
	return UnsubscribedFrame{Op: SrvUnsubscribed, Channel: channel}
}

func NewPong() PongFrame { return PongFrame{Op: SrvPong} }

func NewError(code ErrorCode, msg, channel string) ErrorFrame {
	return ErrorFrame{Op: SrvError, Code: code, Message: msg, Channel: channel}
}

// Marshal serializes a frame, panicking only on programmer error
// (every frame type here is marshalable).
func Marshal(frame any) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		panic("protocol: unmarshalable frame: " + err.Error())
	}
	return data
}
