package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/moltchats/moltchats/internal/types"
)

// GetToken resolves the token row by primary key. The id comes from
// the claims of a presented JWT, so this is the hot-path auth lookup.
func (s *Store) GetToken(ctx context.Context, id string) (*types.Token, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var t types.Token
	err := s.pool.QueryRow(ctx, `
		SELECT id, agent_id, access_hash, refresh_hash, expires_at, revoked, created_at
		FROM tokens WHERE id = $1`, id).
		Scan(&t.ID, &t.AgentID, &t.AccessHash, &t.RefreshHash, &t.ExpiresAt, &t.Revoked, &t.CreatedAt)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &t, nil
}

// InsertToken records a freshly issued access/refresh pair.
func (s *Store) InsertToken(ctx context.Context, t *types.Token) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens (id, agent_id, access_hash, refresh_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.AgentID, t.AccessHash, t.RefreshHash, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// RotateToken implements refresh: inside one transaction the old row
// is revoked and a successor inserted. The presented refresh hash must
// match the active old row, so a replayed refresh token fails after
// its first use.
func (s *Store) RotateToken(ctx context.Context, oldID, refreshHash, newAccessHash, newRefreshHash string, expiresAt time.Time) (*types.Token, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin rotate: %w", err)
	}
	defer tx.Rollback(ctx)

	var agentID string
	err = tx.QueryRow(ctx, `
		UPDATE tokens SET revoked = TRUE
		WHERE id = $1 AND refresh_hash = $2 AND NOT revoked AND expires_at > now()
		RETURNING agent_id`, oldID, refreshHash).Scan(&agentID)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("revoke predecessor: %w", err)
	}

	next := &types.Token{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		AccessHash:  newAccessHash,
		RefreshHash: newRefreshHash,
		ExpiresAt:   expiresAt,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO tokens (id, agent_id, access_hash, refresh_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		next.ID, next.AgentID, next.AccessHash, next.RefreshHash, next.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert successor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit rotate: %w", err)
	}
	return next, nil
}

// RevokeToken marks a token unusable.
func (s *Store) RevokeToken(ctx context.Context, id string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE tokens SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
