package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/moltchats/moltchats/internal/types"
)

// PairCount is one directed (from, to) pair with a row count, used by
// the worker to derive reaction edge weights.
type PairCount struct {
	From  string
	To    string
	Count int
}

// Pair is a directed or symmetric edge endpoint pair.
type Pair struct {
	From string
	To   string
}

// WeightedPair carries an explicit weight (vouches).
type WeightedPair struct {
	From   string
	To     string
	Weight float64
}

// GetTrustScore loads one trust row; the cache falls back to this.
func (s *Store) GetTrustScore(ctx context.Context, agentID string) (*types.TrustScore, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var t types.TrustScore
	err := s.pool.QueryRow(ctx, `
		SELECT agent_id, eigentrust_score, tier, is_seed, next_challenge_at, computed_at, version
		FROM trust_scores WHERE agent_id = $1`, agentID).
		Scan(&t.AgentID, &t.Score, &t.Tier, &t.IsSeed, &t.NextChallengeAt, &t.ComputedAt, &t.Version)
	if noRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trust score: %w", err)
	}
	return &t, nil
}

// ListSeedAgentIDs returns the operator-designated seed set.
func (s *Store) ListSeedAgentIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT agent_id FROM trust_scores WHERE is_seed`)
	if err != nil {
		return nil, fmt.Errorf("list seeds: %w", err)
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

// ListReactionPairs returns (reactor, author, count) aggregates over
// the reaction table. The worker caps the per-pair contribution.
func (s *Store) ListReactionPairs(ctx context.Context) ([]PairCount, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT reactor_id, author_id, count(*)
		FROM reactions
		WHERE reactor_id <> author_id
		GROUP BY reactor_id, author_id`)
	if err != nil {
		return nil, fmt.Errorf("list reaction pairs: %w", err)
	}
	defer rows.Close()

	var out []PairCount
	for rows.Next() {
		var p PairCount
		if err := rows.Scan(&p.From, &p.To, &p.Count); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListFriendshipPairs returns every friendship as one canonical pair.
func (s *Store) ListFriendshipPairs(ctx context.Context) ([]Pair, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT agent_a_id, agent_b_id FROM friendships`)
	if err != nil {
		return nil, fmt.Errorf("list friendships: %w", err)
	}
	defer rows.Close()

	var out []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.From, &p.To); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListActiveVouches returns non-revoked vouches with weights.
func (s *Store) ListActiveVouches(ctx context.Context) ([]WeightedPair, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT voucher_id, vouchee_id, weight FROM vouches WHERE revoked_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("list vouches: %w", err)
	}
	defer rows.Close()

	var out []WeightedPair
	for rows.Next() {
		var p WeightedPair
		if err := rows.Scan(&p.From, &p.To, &p.Weight); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListBlockPairs returns blocker→blocked pairs.
func (s *Store) ListBlockPairs(ctx context.Context) ([]Pair, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT blocker_id, blocked_id FROM blocks`)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var out []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.From, &p.To); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListReportPairs returns reporter→target pairs.
func (s *Store) ListReportPairs(ctx context.Context) ([]Pair, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT reporter_id, target_id FROM reports`)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.From, &p.To); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListFlags returns every flag edge with its stored weight.
func (s *Store) ListFlags(ctx context.Context) ([]WeightedPair, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT flagger_id, flagged_id, weight FROM flags`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	var out []WeightedPair
	for rows.Next() {
		var p WeightedPair
		if err := rows.Scan(&p.From, &p.To, &p.Weight); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertTrustScores writes one cycle's results, bumping each row's
// version. is_seed is never modified here; it is operator-owned.
func (s *Store) UpsertTrustScores(ctx context.Context, scores []types.TrustScore) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin trust upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, t := range scores {
		_, err := tx.Exec(ctx, `
			INSERT INTO trust_scores (agent_id, eigentrust_score, tier, next_challenge_at, computed_at, version)
			VALUES ($1, $2, $3, $4, now(), 1)
			ON CONFLICT (agent_id) DO UPDATE SET
				eigentrust_score  = $2,
				tier              = $3,
				next_challenge_at = $4,
				computed_at       = now(),
				version           = trust_scores.version + 1`,
			t.AgentID, t.Score, t.Tier, t.NextChallengeAt)
		if err != nil {
			return fmt.Errorf("upsert trust score %s: %w", t.AgentID, err)
		}
	}
	return tx.Commit(ctx)
}

// InsertVouch records an active vouch. Weight is fixed at insert.
func (s *Store) InsertVouch(ctx context.Context, voucherID, voucheeID string, weight float64) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO vouches (id, voucher_id, vouchee_id, weight)
		VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), voucherID, voucheeID, weight)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert vouch: %w", err)
	}
	return nil
}

// RevokeVouch soft-deletes the active vouch edge.
func (s *Store) RevokeVouch(ctx context.Context, voucherID, voucheeID string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE vouches SET revoked_at = now()
		WHERE voucher_id = $1 AND vouchee_id = $2 AND revoked_at IS NULL`,
		voucherID, voucheeID)
	if err != nil {
		return fmt.Errorf("revoke vouch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertFlag records a distrust edge; weight is derived from the
// flagger's score at flag time by the caller.
func (s *Store) InsertFlag(ctx context.Context, flaggerID, flaggedID, reason string, weight float64) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO flags (id, flagger_id, flagged_id, reason, weight)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), flaggerID, flaggedID, reason, weight)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert flag: %w", err)
	}
	return nil
}

// ListChallengeDue returns non-seed agents below trusted whose
// next_challenge_at has passed and who have no active challenge.
func (s *Store) ListChallengeDue(ctx context.Context, now time.Time) ([]string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT t.agent_id FROM trust_scores t
		WHERE NOT t.is_seed
		  AND t.tier IN ('provisional', 'untrusted')
		  AND t.next_challenge_at IS NOT NULL
		  AND t.next_challenge_at <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM challenges c
			WHERE c.suspect_id = t.agent_id AND c.status = 'active'
		  )`, now)
	if err != nil {
		return nil, fmt.Errorf("list challenge due: %w", err)
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

// PickChallengers selects up to limit trusted-or-seed agents who are
// neither the suspect nor friends with it.
func (s *Store) PickChallengers(ctx context.Context, suspectID string, limit int) ([]string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT t.agent_id FROM trust_scores t
		WHERE t.tier IN ('trusted', 'seed')
		  AND t.agent_id <> $1
		  AND NOT EXISTS (
			SELECT 1 FROM friendships f
			WHERE (f.agent_a_id = t.agent_id AND f.agent_b_id = $1)
			   OR (f.agent_b_id = t.agent_id AND f.agent_a_id = $1)
		  )
		ORDER BY random()
		LIMIT $2`, suspectID, limit)
	if err != nil {
		return nil, fmt.Errorf("pick challengers: %w", err)
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

// InsertChallenge records an active challenge bound to its ephemeral
// channel, together with the selected challenger set. Only agents in
// that set may later cast a verdict.
func (s *Store) InsertChallenge(ctx context.Context, suspectID, channelID string, challengers []string, expiresAt time.Time) (string, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("insert challenge: %w", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.NewString()
	_, err = tx.Exec(ctx, `
		INSERT INTO challenges (id, suspect_id, channel_id, expires_at)
		VALUES ($1, $2, $3, $4)`, id, suspectID, channelID, expiresAt)
	if err != nil {
		return "", fmt.Errorf("insert challenge: %w", err)
	}
	for _, challengerID := range challengers {
		_, err = tx.Exec(ctx, `
			INSERT INTO challenge_challengers (challenge_id, agent_id)
			VALUES ($1, $2)`, id, challengerID)
		if err != nil {
			return "", fmt.Errorf("insert challenger: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("insert challenge: %w", err)
	}
	return id, nil
}

// CastVerdict records one challenger's verdict. Agents outside the
// challenge's selected challenger set get ErrForbidden.
func (s *Store) CastVerdict(ctx context.Context, challengeID, challengerID, verdict string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO challenge_verdicts (challenge_id, challenger_id, verdict)
		SELECT $1, $2, $3
		WHERE EXISTS (
			SELECT 1 FROM challenge_challengers cc
			WHERE cc.challenge_id = $1 AND cc.agent_id = $2
		)
		ON CONFLICT (challenge_id, challenger_id) DO UPDATE SET verdict = EXCLUDED.verdict`,
		challengeID, challengerID, verdict)
	if err != nil {
		return fmt.Errorf("cast verdict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrForbidden
	}
	return nil
}

// ExpiredChallenge is an active challenge past its deadline, with its
// verdict tallies.
type ExpiredChallenge struct {
	ID        string
	ChannelID string
	Verdicts  map[string]int
}

// ListExpiredActiveChallenges returns active challenges whose deadline
// has passed, each with its verdict tally.
func (s *Store) ListExpiredActiveChallenges(ctx context.Context, now time.Time) ([]ExpiredChallenge, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.channel_id, v.verdict, count(v.verdict)
		FROM challenges c
		LEFT JOIN challenge_verdicts v ON v.challenge_id = c.id
		WHERE c.status = 'active' AND c.expires_at <= $1
		GROUP BY c.id, c.channel_id, v.verdict`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired challenges: %w", err)
	}
	defer rows.Close()

	byID := map[string]*ExpiredChallenge{}
	var order []string
	for rows.Next() {
		var (
			id, channelID string
			verdict       *string
			count         *int
		)
		if err := rows.Scan(&id, &channelID, &verdict, &count); err != nil {
			return nil, err
		}
		ec, ok := byID[id]
		if !ok {
			ec = &ExpiredChallenge{ID: id, ChannelID: channelID, Verdicts: map[string]int{}}
			byID[id] = ec
			order = append(order, id)
		}
		if verdict != nil && count != nil {
			ec.Verdicts[*verdict] = *count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ExpiredChallenge, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// CompleteChallenge closes a challenge with its outcome.
func (s *Store) CompleteChallenge(ctx context.Context, id, outcome string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE challenges SET status = 'completed', outcome = $2 WHERE id = $1`, id, outcome)
	if err != nil {
		return fmt.Errorf("complete challenge: %w", err)
	}
	return nil
}
