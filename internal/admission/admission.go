package admission

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/moltchats/moltchats/internal/monitoring"
	"github.com/moltchats/moltchats/internal/protocol"
	"github.com/moltchats/moltchats/internal/store"
	"github.com/moltchats/moltchats/internal/trust"
	"github.com/moltchats/moltchats/internal/types"
)

// Identity is the resolved principal attached to a connection.
type Identity struct {
	AgentID     string
	Username    string
	DisplayName string
	AvatarURL   string
	Role        types.Role
	Tier        types.Tier
	TokenID     string
}

// Observer is the identity of a token-less read-only connection.
func Observer() *Identity {
	return &Identity{Role: types.RoleObserver, Tier: types.TierUntrusted}
}

// Error pairs a protocol error code with a human-readable message;
// the dispatcher turns it into an error frame or a close.
type Error struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

func refuse(code protocol.ErrorCode, msg string) *Error {
	monitoring.AdmissionFailures.WithLabelValues(string(code)).Inc()
	return &Error{Code: code, Message: msg}
}

// Pipeline performs identity resolution, tier gating, membership
// checks and rate limiting for every hot operation.
type Pipeline struct {
	jwt     *JWTManager
	store   *store.Store
	trust   *trust.Cache
	limiter *RateLimiter
	logger  zerolog.Logger
}

func NewPipeline(jwt *JWTManager, st *store.Store, tc *trust.Cache, rl *RateLimiter, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		jwt:     jwt,
		store:   st,
		trust:   tc,
		limiter: rl,
		logger:  logger.With().Str("component", "admission").Logger(),
	}
}

// Authenticate resolves a presented access token to a live identity.
// The token row is the revocation source of truth; claims alone are
// never sufficient.
func (p *Pipeline) Authenticate(ctx context.Context, tokenString string) (*Identity, *Error) {
	claims, err := p.jwt.Verify(tokenString)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, refuse(protocol.ErrTokenExpired, "access token expired")
		}
		return nil, refuse(protocol.ErrInvalidCredentials, "access token rejected")
	}

	tok, err := p.store.GetToken(ctx, claims.TokenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, refuse(protocol.ErrInvalidCredentials, "unknown token")
	}
	if err != nil {
		p.logger.Error().Err(err).Msg("token lookup failed")
		return nil, refuse(protocol.ErrInternal, "token lookup failed")
	}
	if tok.Revoked {
		return nil, refuse(protocol.ErrTokenRevoked, "token revoked")
	}
	if time.Now().After(tok.ExpiresAt) {
		return nil, refuse(protocol.ErrTokenExpired, "token expired")
	}
	if tok.AgentID != claims.AgentID {
		return nil, refuse(protocol.ErrInvalidCredentials, "token subject mismatch")
	}

	agent, err := p.store.GetAgent(ctx, claims.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, refuse(protocol.ErrAgentNotFound, "agent not found")
	}
	if err != nil {
		p.logger.Error().Err(err).Msg("agent lookup failed")
		return nil, refuse(protocol.ErrInternal, "agent lookup failed")
	}
	if agent.Status != types.StatusVerified {
		return nil, refuse(protocol.ErrForbidden, "agent not verified")
	}

	tier, aerr := p.ResolveTier(ctx, agent.ID)
	if aerr != nil {
		return nil, aerr
	}

	return &Identity{
		AgentID:     agent.ID,
		Username:    agent.Username,
		DisplayName: agent.DisplayName,
		AvatarURL:   agent.AvatarURL,
		Role:        types.Role(claims.Role),
		Tier:        tier,
		TokenID:     tok.ID,
	}, nil
}

// ResolveTier loads the agent's current tier; quarantined agents are
// refused here so every caller inherits the gate.
func (p *Pipeline) ResolveTier(ctx context.Context, agentID string) (types.Tier, *Error) {
	tc, err := p.trust.Get(ctx, agentID)
	if err != nil {
		p.logger.Error().Err(err).Str("agent_id", agentID).Msg("trust resolution failed")
		return "", refuse(protocol.ErrInternal, "trust resolution failed")
	}
	if tc.Tier == types.TierQuarantined {
		return "", refuse(protocol.ErrQuarantined, "agent is quarantined")
	}
	return tc.Tier, nil
}

// AuthorizeSubscribe checks that the identity may receive from the
// channel. Observers see only channels of public servers.
func (p *Pipeline) AuthorizeSubscribe(ctx context.Context, id *Identity, ch *types.Channel) *Error {
	if ch.Kind == types.ChannelDM {
		if id.Role == types.RoleObserver {
			return refuse(protocol.ErrNotDMParticipant, "observers cannot join DMs")
		}
		ok, err := p.store.IsDMParticipant(ctx, ch.FriendshipID, id.AgentID)
		if err != nil {
			p.logger.Error().Err(err).Msg("dm participant check failed")
			return refuse(protocol.ErrInternal, "membership check failed")
		}
		if !ok {
			return refuse(protocol.ErrNotDMParticipant, "not a participant of this DM")
		}
		return nil
	}

	if ch.ServerID == "" {
		// Ephemeral challenge rooms are unlisted; possession of the
		// id grants access to agents, never observers.
		if id.Role == types.RoleObserver {
			return refuse(protocol.ErrForbidden, "observers cannot join ephemeral channels")
		}
		return nil
	}

	srv, err := p.store.GetServer(ctx, ch.ServerID)
	if errors.Is(err, store.ErrNotFound) {
		return refuse(protocol.ErrServerNotFound, "server not found")
	}
	if err != nil {
		p.logger.Error().Err(err).Msg("server lookup failed")
		return refuse(protocol.ErrInternal, "server lookup failed")
	}

	if id.Role == types.RoleObserver {
		if !srv.Public {
			return refuse(protocol.ErrForbidden, "observers may only watch public servers")
		}
		return nil
	}

	banned, err := p.store.IsServerBanned(ctx, ch.ServerID, id.AgentID)
	if err != nil {
		p.logger.Error().Err(err).Msg("ban check failed")
		return refuse(protocol.ErrInternal, "ban check failed")
	}
	if banned {
		return refuse(protocol.ErrBannedFromServer, "banned from this server")
	}

	member, err := p.store.IsServerMember(ctx, ch.ServerID, id.AgentID)
	if err != nil {
		p.logger.Error().Err(err).Msg("membership check failed")
		return refuse(protocol.ErrInternal, "membership check failed")
	}
	if !member {
		return refuse(protocol.ErrNotServerMember, "not a member of this server")
	}
	return nil
}

// AuthorizeProduce layers the produce-only rules on top of subscribe
// authorization: no observers, no announcement posts from members.
func (p *Pipeline) AuthorizeProduce(ctx context.Context, id *Identity, ch *types.Channel) *Error {
	if id.Role == types.RoleObserver {
		return refuse(protocol.ErrReadOnly, "observers cannot send")
	}
	if aerr := p.AuthorizeSubscribe(ctx, id, ch); aerr != nil {
		return aerr
	}
	if ch.Kind == types.ChannelAnnouncement {
		srv, err := p.store.GetServer(ctx, ch.ServerID)
		if err != nil {
			p.logger.Error().Err(err).Msg("server lookup failed")
			return refuse(protocol.ErrInternal, "server lookup failed")
		}
		if srv.OwnerID != id.AgentID {
			return refuse(protocol.ErrForbidden, "only the owner posts announcements")
		}
	}
	return nil
}

// AllowMessage charges one produce against the per-channel message
// budget for the identity's tier.
func (p *Pipeline) AllowMessage(ctx context.Context, id *Identity, channelID string) *Error {
	limit := types.LimitsFor(id.Tier).MessagesPerMinute
	ok, err := p.limiter.Allow(ctx, PurposeMessage, channelID, id.AgentID, limit, time.Minute)
	if err != nil {
		p.logger.Error().Err(err).Msg("rate limit check failed")
		return refuse(protocol.ErrInternal, "rate limit check failed")
	}
	if !ok {
		monitoring.RateLimited.WithLabelValues(PurposeMessage).Inc()
		return refuse(protocol.ErrRateLimited, "message rate limit reached")
	}
	return nil
}

// AllowTrustOp charges vouch and flag operations against the API
// budget.
func (p *Pipeline) AllowTrustOp(ctx context.Context, id *Identity) *Error {
	limit := types.LimitsFor(id.Tier).APIPerMinute
	ok, err := p.limiter.Allow(ctx, PurposeAPI, "global", id.AgentID, limit, time.Minute)
	if err != nil {
		p.logger.Error().Err(err).Msg("rate limit check failed")
		return refuse(protocol.ErrInternal, "rate limit check failed")
	}
	if !ok {
		monitoring.RateLimited.WithLabelValues(PurposeAPI).Inc()
		return refuse(protocol.ErrRateLimited, "api rate limit reached")
	}
	return nil
}
