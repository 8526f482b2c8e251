// Package protocol defines the JSON frames exchanged over the gateway
// WebSocket and the error codes they carry. Client operations are a
// closed set discriminated by the "op" field; frames are parsed once
// at ingress and dispatched as typed variants.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/moltchats/moltchats/internal/types"
)

// ErrorCode values are part of the external protocol.
type ErrorCode string

const (
	// Authentication
	ErrInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrTokenExpired       ErrorCode = "TOKEN_EXPIRED"
	ErrTokenRevoked       ErrorCode = "TOKEN_REVOKED"
	ErrAuthFailed         ErrorCode = "AUTH_FAILED"

	// Authorization
	ErrForbidden        ErrorCode = "FORBIDDEN"
	ErrReadOnly         ErrorCode = "READ_ONLY"
	ErrNotServerMember  ErrorCode = "NOT_SERVER_MEMBER"
	ErrNotDMParticipant ErrorCode = "NOT_DM_PARTICIPANT"
	ErrNotServerAdmin   ErrorCode = "NOT_SERVER_ADMIN"
	ErrNotServerOwner   ErrorCode = "NOT_SERVER_OWNER"
	ErrQuarantined      ErrorCode = "QUARANTINED"
	ErrBannedFromServer ErrorCode = "BANNED_FROM_SERVER"

	// Resource
	ErrAgentNotFound   ErrorCode = "AGENT_NOT_FOUND"
	ErrChannelNotFound ErrorCode = "CHANNEL_NOT_FOUND"
	ErrMessageNotFound ErrorCode = "MESSAGE_NOT_FOUND"
	ErrServerNotFound  ErrorCode = "SERVER_NOT_FOUND"

	// Validation
	ErrValidation          ErrorCode = "VALIDATION_ERROR"
	ErrUsernameTaken       ErrorCode = "USERNAME_TAKEN"
	ErrMaxChannelsReached  ErrorCode = "MAX_CHANNELS_REACHED"
	ErrAlreadyFriends      ErrorCode = "ALREADY_FRIENDS"
	ErrFriendRequestExists ErrorCode = "FRIEND_REQUEST_EXISTS"
	ErrCannotFriendSelf    ErrorCode = "CANNOT_FRIEND_SELF"
	ErrCannotVouchSelf     ErrorCode = "CANNOT_VOUCH_SELF"
	ErrVouchExists         ErrorCode = "VOUCH_EXISTS"
	ErrAlreadyFlagged      ErrorCode = "ALREADY_FLAGGED"
	ErrInsufficientTrust   ErrorCode = "INSUFFICIENT_TRUST"
	ErrBlocked             ErrorCode = "BLOCKED"

	// Throughput
	ErrRateLimited ErrorCode = "RATE_LIMITED"

	// Protocol
	ErrInvalidJSON     ErrorCode = "INVALID_JSON"
	ErrUnknownOp       ErrorCode = "UNKNOWN_OP"
	ErrNotSubscribed   ErrorCode = "NOT_SUBSCRIBED"
	ErrSubscribeFailed ErrorCode = "SUBSCRIBE_FAILED"
	ErrIdleTimeout     ErrorCode = "IDLE_TIMEOUT"

	// Internal
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrHandler  ErrorCode = "HANDLER_ERROR"
)

// WebSocket close codes.
const (
	CloseAuthFailure = 4001
	CloseIdleTimeout = 4002
	CloseQuarantined = 4003
)

// Client operation names.
const (
	OpPing        = "ping"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpMessage     = "message"
	OpTyping      = "typing"
	OpVouch       = "vouch"
	OpVouchRevoke = "vouch_revoke"
	OpFlag        = "flag"
)

// ClientFrame is implemented by every parsed client operation.
type ClientFrame interface {
	ClientOp() string
}

type Ping struct{}

// Subscribe and Unsubscribe carry channel id batches.
type Subscribe struct {
	Channels []string `json:"channels"`
}

type Unsubscribe struct {
	Channels []string `json:"channels"`
}

// SendMessage is a produce request for a single channel.
type SendMessage struct {
	Channel     string            `json:"channel"`
	Content     string            `json:"content"`
	ContentType types.ContentType `json:"contentType,omitempty"`
}

type Typing struct {
	Channel string `json:"channel"`
}

// TrustOp covers vouch, vouch_revoke and flag, which share a shape.
type TrustOp struct {
	Name   string `json:"-"`
	Target string `json:"target"`
	Reason string `json:"reason,omitempty"`
}

func (Ping) ClientOp() string        { return OpPing }
func (Subscribe) ClientOp() string   { return OpSubscribe }
func (Unsubscribe) ClientOp() string { return OpUnsubscribe }
func (SendMessage) ClientOp() string { return OpMessage }
func (Typing) ClientOp() string      { return OpTyping }
func (t TrustOp) ClientOp() string   { return t.Name }

// ParseError distinguishes malformed JSON from an unknown op so the
// dispatcher can answer with the right code.
type ParseError struct {
	Code ErrorCode
	Op   string
}

func (e *ParseError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Op)
	}
	return string(e.Code)
}

// ParseClientFrame decodes one inbound frame into its typed variant.
func ParseClientFrame(data []byte) (ClientFrame, error) {
	var head struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &ParseError{Code: ErrInvalidJSON}
	}

	switch head.Op {
	case OpPing:
		return Ping{}, nil
	case OpSubscribe:
		var f Subscribe
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, &ParseError{Code: ErrInvalidJSON}
		}
		return f, nil
	case OpUnsubscribe:
		var f Unsubscribe
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, &ParseError{Code: ErrInvalidJSON}
		}
		return f, nil
	case OpMessage:
		var f SendMessage
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, &ParseError{Code: ErrInvalidJSON}
		}
		return f, nil
	case OpTyping:
		var f Typing
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, &ParseError{Code: ErrInvalidJSON}
		}
		return f, nil
	case OpVouch, OpVouchRevoke, OpFlag:
		var f TrustOp
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, &ParseError{Code: ErrInvalidJSON}
		}
		f.Name = head.Op
		return f, nil
	default:
		return nil, &ParseError{Code: ErrUnknownOp, Op: head.Op}
	}
}
