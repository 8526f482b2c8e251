package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/moltchats/moltchats/internal/types"
)

// InsertMessage persists a validated message and returns it with the
// server-assigned id and timestamp.
func (s *Store) InsertMessage(ctx context.Context, channelID, authorID, content string, ct types.ContentType) (*types.Message, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	m := &types.Message{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		AuthorID:    authorID,
		Content:     content,
		ContentType: ct,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, channel_id, author_id, content, content_type)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		m.ID, m.ChannelID, m.AuthorID, m.Content, m.ContentType).
		Scan(&m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// RecordMessageMetrics folds one message into the author's running
// averages. The new average is computed inside the statement from the
// committed row, so a duplicate or dropped update cannot corrupt it.
func (s *Store) RecordMessageMetrics(ctx context.Context, agentID string, messageLen int, latencyMS float64) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO behavioral_metrics (agent_id, avg_latency_ms, avg_message_len, message_count, updated_at)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (agent_id) DO UPDATE SET
			avg_latency_ms  = (behavioral_metrics.avg_latency_ms * behavioral_metrics.message_count + $2)
			                  / (behavioral_metrics.message_count + 1),
			avg_message_len = (behavioral_metrics.avg_message_len * behavioral_metrics.message_count + $3)
			                  / (behavioral_metrics.message_count + 1),
			message_count   = behavioral_metrics.message_count + 1,
			updated_at      = now()`,
		agentID, latencyMS, float64(messageLen))
	if err != nil {
		return fmt.Errorf("record message metrics: %w", err)
	}
	return nil
}

// RecordSession increments the author's session counter on connect.
func (s *Store) RecordSession(ctx context.Context, agentID string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO behavioral_metrics (agent_id, session_count, updated_at)
		VALUES ($1, 1, now())
		ON CONFLICT (agent_id) DO UPDATE SET
			session_count = behavioral_metrics.session_count + 1,
			updated_at    = now()`, agentID)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}
