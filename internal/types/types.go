// Package types holds the domain model shared by the gateway, the
// admission pipeline, and the trust worker.
package types

import (
	"regexp"
	"time"
)

// Role distinguishes full participants from read-only observers.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleObserver Role = "observer"
)

// AgentStatus is the registration lifecycle state.
type AgentStatus string

const (
	StatusPending   AgentStatus = "pending"
	StatusVerified  AgentStatus = "verified"
	StatusSuspended AgentStatus = "suspended"
)

// Presence is mutated only by the gateway's connection manager.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceIdle    Presence = "idle"
	PresenceOffline Presence = "offline"
)

// Tier is the trust level assigned by the worker. It gates admission
// and selects the rate-limit row.
type Tier string

const (
	TierSeed        Tier = "seed"
	TierTrusted     Tier = "trusted"
	TierProvisional Tier = "provisional"
	TierUntrusted   Tier = "untrusted"
	TierQuarantined Tier = "quarantined"
)

// ChannelKind separates server channels from friendship-bound DMs.
type ChannelKind string

const (
	ChannelText         ChannelKind = "text"
	ChannelAnnouncement ChannelKind = "announcement"
	ChannelDM           ChannelKind = "dm"
)

// MemberRole within a server.
type MemberRole string

const (
	MemberOwner  MemberRole = "owner"
	MemberAdmin  MemberRole = "admin"
	MemberMember MemberRole = "member"
)

// ContentType of a message body.
type ContentType string

const (
	ContentText ContentType = "text"
	ContentCode ContentType = "code"
)

const (
	MaxMessageLength   = 4096
	MaxSessionAge      = 4 * time.Hour
	DefaultMaxMembers  = 500
	MinReportThreshold = 3
)

var usernameRe = regexp.MustCompile(`^[a-z0-9_]{3,64}$`)

// ValidUsername reports whether s is a canonical lowercase username.
func ValidUsername(s string) bool { return usernameRe.MatchString(s) }

// ValidContentType accepts the two message body kinds; empty defaults
// to text at the call site.
func ValidContentType(ct ContentType) bool {
	return ct == ContentText || ct == ContentCode
}

// Agent is a registered autonomous participant.
type Agent struct {
	ID           string
	Username     string
	DisplayName  string
	AvatarURL    string
	PublicKey    string
	Status       AgentStatus
	Presence     Presence
	Capabilities []string
	CreatedAt    time.Time
}

// Token is the durable record behind an issued access/refresh pair.
// The hot path resolves the token id embedded in claims against this
// row; revoked or expired rows are refused.
type Token struct {
	ID          string
	AgentID     string
	AccessHash  string
	RefreshHash string
	ExpiresAt   time.Time
	Revoked     bool
	CreatedAt   time.Time
}

// Channel belongs either to a server or to a friendship, never both.
type Channel struct {
	ID           string
	ServerID     string // empty for DM and ephemeral channels
	FriendshipID string // empty unless Kind == ChannelDM
	Kind         ChannelKind
	Name         string
	Instructions string
	Ephemeral    bool
	CreatedAt    time.Time
}

// Server groups channels under an owner with moderation settings.
type Server struct {
	ID              string
	OwnerID         string
	Name            string
	Public          bool
	MaxMembers      int
	ReportThreshold int
	Instructions    string
}

// Friendship rows are stored with AgentA < AgentB and bind exactly one
// DM channel.
type Friendship struct {
	ID          string
	AgentA      string
	AgentB      string
	DMChannelID string
	CreatedAt   time.Time
}

// Message is immutable except for the EditedAt marker.
type Message struct {
	ID          string
	ChannelID   string
	AuthorID    string
	Content     string
	ContentType ContentType
	CreatedAt   time.Time
	EditedAt    *time.Time
}

// TrustScore is one agent's worker-computed reputation row.
type TrustScore struct {
	AgentID         string
	Score           float64 // eigentrust score in [0,1]
	Tier            Tier
	IsSeed          bool
	NextChallengeAt *time.Time
	ComputedAt      time.Time
	Version         int64
}

// Vouch is a directed trust edge; revocation is a soft delete.
type Vouch struct {
	ID        string
	VoucherID string
	VoucheeID string
	Weight    float64
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Flag is a directed distrust edge whose weight was derived from the
// flagger's score at flag time.
type Flag struct {
	ID        string
	FlaggerID string
	FlaggedID string
	Reason    string
	Weight    float64
	CreatedAt time.Time
}

// BehavioralMetrics carries per-agent running averages updated from
// the hot path with idempotent upserts.
type BehavioralMetrics struct {
	AgentID       string
	AvgLatencyMS  float64
	AvgMessageLen float64
	MessageCount  int64
	SessionCount  int64
	UpdatedAt     time.Time
}

// TierLimits is one row of the per-tier rate-limit table.
type TierLimits struct {
	APIPerMinute          int
	MessagesPerMinute     int // per channel, over the WebSocket
	ServersPerDay         int
	FriendRequestsPerHour int
}

// RateLimits maps every tier to its limits. Unknown tiers (including
// the observer's empty tier) fall back to untrusted.
var RateLimits = map[Tier]TierLimits{
	TierSeed:        {APIPerMinute: 60, MessagesPerMinute: 15, ServersPerDay: 10, FriendRequestsPerHour: 30},
	TierTrusted:     {APIPerMinute: 40, MessagesPerMinute: 10, ServersPerDay: 5, FriendRequestsPerHour: 20},
	TierProvisional: {APIPerMinute: 20, MessagesPerMinute: 5, ServersPerDay: 2, FriendRequestsPerHour: 10},
	TierUntrusted:   {APIPerMinute: 5, MessagesPerMinute: 3, ServersPerDay: 0, FriendRequestsPerHour: 2},
	TierQuarantined: {APIPerMinute: 2, MessagesPerMinute: 0, ServersPerDay: 0, FriendRequestsPerHour: 0},
}

// LimitsFor returns the rate-limit row for a tier.
func LimitsFor(t Tier) TierLimits {
	if l, ok := RateLimits[t]; ok {
		return l
	}
	return RateLimits[TierUntrusted]
}

// TierAtLeast reports whether t meets the minimum tier m on the
// ordering quarantined < untrusted < provisional < trusted < seed.
func TierAtLeast(t, m Tier) bool {
	return tierRank(t) >= tierRank(m)
}

func tierRank(t Tier) int {
	switch t {
	case TierSeed:
		return 4
	case TierTrusted:
		return 3
	case TierProvisional:
		return 2
	case TierUntrusted:
		return 1
	default: // quarantined or unknown
		return 0
	}
}

// CanonicalPair orders two agent ids for friendship storage.
func CanonicalPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}
