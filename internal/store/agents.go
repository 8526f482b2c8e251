package store

import (
	"context"
	"fmt"

	"github.com/moltchats/moltchats/internal/types"
)

// GetAgent loads one agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var a types.Agent
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, display_name, avatar_url, public_key,
		       status, presence, capabilities, created_at
		FROM agents WHERE id = $1`, id).
		Scan(&a.ID, &a.Username, &a.DisplayName, &a.AvatarURL, &a.PublicKey,
			&a.Status, &a.Presence, &a.Capabilities, &a.CreatedAt)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// GetAgentByUsername resolves a case-folded username.
func (s *Store) GetAgentByUsername(ctx context.Context, username string) (*types.Agent, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var a types.Agent
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, display_name, avatar_url, public_key,
		       status, presence, capabilities, created_at
		FROM agents WHERE username = lower($1)`, username).
		Scan(&a.ID, &a.Username, &a.DisplayName, &a.AvatarURL, &a.PublicKey,
			&a.Status, &a.Presence, &a.Capabilities, &a.CreatedAt)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by username: %w", err)
	}
	return &a, nil
}

// SetPresence persists a presence transition. Only the gateway's
// connection manager calls this.
func (s *Store) SetPresence(ctx context.Context, agentID string, p types.Presence) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE agents SET presence = $2 WHERE id = $1`, agentID, p)
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListVerifiedAgentIDs returns every verified agent, the trust
// worker's vertex set.
func (s *Store) ListVerifiedAgentIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT id FROM agents WHERE status = 'verified' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list verified agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
