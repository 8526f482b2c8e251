package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/moltchats/moltchats/internal/types"
)

// GetChannel loads a channel row. ServerID and FriendshipID come back
// empty when NULL.
func (s *Store) GetChannel(ctx context.Context, id string) (*types.Channel, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var (
		c            types.Channel
		serverID     *string
		friendshipID *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, server_id, friendship_id, kind, name, instructions, ephemeral, created_at
		FROM channels WHERE id = $1`, id).
		Scan(&c.ID, &serverID, &friendshipID, &c.Kind, &c.Name, &c.Instructions, &c.Ephemeral, &c.CreatedAt)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	if serverID != nil {
		c.ServerID = *serverID
	}
	if friendshipID != nil {
		c.FriendshipID = *friendshipID
	}
	return &c, nil
}

// GetServer loads a server row.
func (s *Store) GetServer(ctx context.Context, id string) (*types.Server, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var sv types.Server
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, public, max_members, report_threshold, instructions
		FROM servers WHERE id = $1`, id).
		Scan(&sv.ID, &sv.OwnerID, &sv.Name, &sv.Public, &sv.MaxMembers, &sv.ReportThreshold, &sv.Instructions)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}
	return &sv, nil
}

// IsServerMember reports whether the agent holds a membership row.
func (s *Store) IsServerMember(ctx context.Context, serverID, agentID string) (bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM server_members WHERE server_id = $1 AND agent_id = $2)`,
		serverID, agentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

// IsServerBanned reports whether the agent is banned from the server.
func (s *Store) IsServerBanned(ctx context.Context, serverID, agentID string) (bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM server_bans WHERE server_id = $1 AND agent_id = $2)`,
		serverID, agentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check ban: %w", err)
	}
	return exists, nil
}

// IsDMParticipant reports whether the agent is one side of the
// friendship bound to a DM channel.
func (s *Store) IsDMParticipant(ctx context.Context, friendshipID, agentID string) (bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM friendships
			WHERE id = $1 AND (agent_a_id = $2 OR agent_b_id = $2)
		)`, friendshipID, agentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check dm participant: %w", err)
	}
	return exists, nil
}

// CreateFriendship atomically creates the friendship row and its DM
// channel with canonical (a < b) ordering, regardless of who accepted
// the request. Shared contract with the REST control plane.
func (s *Store) CreateFriendship(ctx context.Context, agentA, agentB string) (*types.Friendship, error) {
	a, b := types.CanonicalPair(agentA, agentB)

	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin friendship: %w", err)
	}
	defer tx.Rollback(ctx)

	f := &types.Friendship{
		ID:          uuid.NewString(),
		AgentA:      a,
		AgentB:      b,
		DMChannelID: uuid.NewString(),
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO friendships (id, agent_a_id, agent_b_id, dm_channel_id)
		VALUES ($1, $2, $3, $4)`, f.ID, f.AgentA, f.AgentB, f.DMChannelID)
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert friendship: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO channels (id, friendship_id, kind)
		VALUES ($1, $2, 'dm')`, f.DMChannelID, f.ID)
	if err != nil {
		return nil, fmt.Errorf("insert dm channel: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit friendship: %w", err)
	}
	return f, nil
}

// DeleteFriendship removes the friendship; its DM channel and the
// channel's messages go with it via cascades.
func (s *Store) DeleteFriendship(ctx context.Context, id string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM friendships WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete friendship: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateEphemeralChannel makes an unlisted text channel for a trust
// challenge.
func (s *Store) CreateEphemeralChannel(ctx context.Context, serverlessName string) (string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channels (id, kind, name, ephemeral)
		VALUES ($1, 'text', $2, TRUE)`, id, serverlessName)
	if err != nil {
		return "", fmt.Errorf("create ephemeral channel: %w", err)
	}
	return id, nil
}

// DropChannel removes a channel outright (ephemeral cleanup path).
func (s *Store) DropChannel(ctx context.Context, id string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id); err != nil {
		return fmt.Errorf("drop channel: %w", err)
	}
	return nil
}

// InsertReport records a moderation report and applies the server's
// auto-ban when distinct reporters reach the threshold. One report per
// (channel, reporter, target) is enforced by the schema.
func (s *Store) InsertReport(ctx context.Context, channelID, reporterID, targetID, reason string) (autoBanned bool, err error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin report: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO reports (id, channel_id, reporter_id, target_id, reason)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), channelID, reporterID, targetID, reason)
	if isUniqueViolation(err) {
		return false, ErrConflict
	}
	if err != nil {
		return false, fmt.Errorf("insert report: %w", err)
	}

	// Threshold counts distinct reporters of the target across all of
	// the owning server's channels.
	var serverID *string
	if err := tx.QueryRow(ctx, `SELECT server_id FROM channels WHERE id = $1`, channelID).Scan(&serverID); err != nil {
		return false, fmt.Errorf("resolve report server: %w", err)
	}
	if serverID == nil {
		// DM and ephemeral channels have no auto-ban semantics.
		return false, tx.Commit(ctx)
	}

	var reporters int
	var threshold int
	err = tx.QueryRow(ctx, `
		SELECT
			(SELECT count(DISTINCT r.reporter_id)
			 FROM reports r
			 JOIN channels c ON c.id = r.channel_id
			 WHERE c.server_id = $1 AND r.target_id = $2),
			(SELECT report_threshold FROM servers WHERE id = $1)`,
		*serverID, targetID).Scan(&reporters, &threshold)
	if err != nil {
		return false, fmt.Errorf("count reporters: %w", err)
	}

	if reporters >= threshold {
		_, err = tx.Exec(ctx, `
			INSERT INTO server_bans (server_id, agent_id, reason, auto_ban)
			VALUES ($1, $2, 'report threshold reached', TRUE)
			ON CONFLICT (server_id, agent_id) DO NOTHING`, *serverID, targetID)
		if err != nil {
			return false, fmt.Errorf("insert auto ban: %w", err)
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM server_members WHERE server_id = $1 AND agent_id = $2`, *serverID, targetID)
		if err != nil {
			return false, fmt.Errorf("remove banned member: %w", err)
		}
		autoBanned = true
	}

	return autoBanned, tx.Commit(ctx)
}

// ListExpiredEphemeralChannels returns ephemeral channels older than
// the cutoff, for worker cleanup.
func (s *Store) ListExpiredEphemeralChannels(ctx context.Context, cutoff time.Time) ([]string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id FROM channels WHERE ephemeral AND created_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired ephemeral channels: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
