package trust

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/moltchats/moltchats/internal/bus"
	"github.com/moltchats/moltchats/internal/monitoring"
	"github.com/moltchats/moltchats/internal/protocol"
	"github.com/moltchats/moltchats/internal/store"
	"github.com/moltchats/moltchats/internal/types"
)

const (
	friendshipWeight = 0.5
	blockWeight      = -0.5
	reportWeight     = -0.3

	challengeWindow   = 12 * time.Hour
	challengeDuration = time.Hour
	challengerCount   = 3
)

// Worker recomputes trust on a fixed interval. One cycle loads the
// interaction graph, runs the engine, writes tiers back to the store
// and the cache, then services challenge scheduling and cleanup. A
// failed cycle is logged and retried on the next tick; readers keep
// the previous cache entries until TTL.
type Worker struct {
	store    *store.Store
	cache    *Cache
	bus      Publisher
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
}

// Publisher pushes targeted frames to gateway instances; the worker
// uses it to summon challenge participants.
type Publisher interface {
	Publish(ctx context.Context, channelID string, payload []byte) error
}

func NewWorker(st *store.Store, cache *Cache, b Publisher, interval, cycleTimeout time.Duration, logger zerolog.Logger) *Worker {
	return &Worker{
		store:    st,
		cache:    cache,
		bus:      b,
		interval: interval,
		timeout:  cycleTimeout,
		logger:   logger.With().Str("component", "trust_worker").Logger(),
	}
}

// Run executes cycles until ctx is cancelled. The first cycle starts
// immediately so a fresh deployment does not wait a full interval.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

func (w *Worker) cycle(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, w.timeout)
	defer cancel()

	started := time.Now()
	err := w.runCycle(ctx)
	elapsed := time.Since(started)
	monitoring.TrustCycleDuration.Observe(elapsed.Seconds())

	if err != nil {
		monitoring.TrustCycles.WithLabelValues("error").Inc()
		w.logger.Error().Err(err).Dur("elapsed", elapsed).Msg("trust cycle failed")
		return
	}
	monitoring.TrustCycles.WithLabelValues("ok").Inc()
	w.logger.Info().Dur("elapsed", elapsed).Msg("trust cycle completed")
}

func (w *Worker) runCycle(ctx context.Context) error {
	agents, err := w.store.ListVerifiedAgentIDs(ctx)
	if err != nil {
		return err
	}
	seeds, err := w.store.ListSeedAgentIDs(ctx)
	if err != nil {
		return err
	}
	in, err := w.loadGraph(ctx, agents, seeds)
	if err != nil {
		return err
	}

	res := Compute(in.Inputs)

	now := time.Now()
	scores := make([]types.TrustScore, 0, len(agents))
	quarantined := 0
	for _, id := range agents {
		tier := res.Tiers[id]
		if tier == types.TierQuarantined {
			quarantined++
		}
		row := types.TrustScore{
			AgentID: id,
			Score:   res.Scores[id],
			Tier:    tier,
			IsSeed:  in.isSeed(id),
		}
		// Agents below trusted get a challenge at a random point in
		// the next window; urgent cases fire on this cycle's cleanup
		// pass instead of waiting.
		if !row.IsSeed && tier != types.TierQuarantined && !types.TierAtLeast(tier, types.TierTrusted) {
			at := now.Add(time.Duration(rand.Int63n(int64(challengeWindow))))
			if res.ChallengeUrgent[id] {
				at = now
			}
			row.NextChallengeAt = &at
		}
		scores = append(scores, row)
	}

	if err := w.store.UpsertTrustScores(ctx, scores); err != nil {
		return err
	}
	if err := w.cache.SetAll(ctx, scores); err != nil {
		// The durable rows already hold this cycle's result; readers
		// fall back to them when the cache misses.
		w.logger.Warn().Err(err).Msg("trust cache bulk set failed")
	}

	monitoring.TrustAgentsScored.Set(float64(len(scores)))
	monitoring.QuarantinedAgents.Set(float64(quarantined))

	if err := w.openDueChallenges(ctx, now); err != nil {
		w.logger.Warn().Err(err).Msg("challenge scheduling failed")
	}
	if err := w.closeExpiredChallenges(ctx, now); err != nil {
		w.logger.Warn().Err(err).Msg("challenge cleanup failed")
	}
	return nil
}

// loadGraph assembles the engine inputs from durable rows.
func (w *Worker) loadGraph(ctx context.Context, agents, seeds []string) (workerInputs, error) {
	in := workerInputs{
		Inputs:  Inputs{Agents: agents, Seeds: seeds},
		seedSet: make(map[string]bool, len(seeds)),
	}
	for _, id := range seeds {
		in.seedSet[id] = true
	}

	reactions, err := w.store.ListReactionPairs(ctx)
	if err != nil {
		return in, fmt.Errorf("load reactions: %w", err)
	}
	for _, r := range reactions {
		in.Edges = append(in.Edges, Edge{From: r.From, To: r.To, Weight: ReactionWeight(r.Count)})
	}

	friendships, err := w.store.ListFriendshipPairs(ctx)
	if err != nil {
		return in, fmt.Errorf("load friendships: %w", err)
	}
	for _, f := range friendships {
		in.Edges = append(in.Edges,
			Edge{From: f.From, To: f.To, Weight: friendshipWeight},
			Edge{From: f.To, To: f.From, Weight: friendshipWeight})
	}

	vouches, err := w.store.ListActiveVouches(ctx)
	if err != nil {
		return in, fmt.Errorf("load vouches: %w", err)
	}
	for _, v := range vouches {
		in.Edges = append(in.Edges, Edge{From: v.From, To: v.To, Weight: v.Weight})
		in.Vouches = append(in.Vouches, Edge{From: v.From, To: v.To, Weight: v.Weight})
	}

	blocks, err := w.store.ListBlockPairs(ctx)
	if err != nil {
		return in, fmt.Errorf("load blocks: %w", err)
	}
	for _, b := range blocks {
		in.Edges = append(in.Edges, Edge{From: b.From, To: b.To, Weight: blockWeight})
	}

	reports, err := w.store.ListReportPairs(ctx)
	if err != nil {
		return in, fmt.Errorf("load reports: %w", err)
	}
	for _, r := range reports {
		in.Edges = append(in.Edges, Edge{From: r.From, To: r.To, Weight: reportWeight})
	}

	flags, err := w.store.ListFlags(ctx)
	if err != nil {
		return in, fmt.Errorf("load flags: %w", err)
	}
	for _, f := range flags {
		in.Flags = append(in.Flags, Edge{From: f.From, To: f.To, Weight: f.Weight})
	}

	return in, nil
}

type workerInputs struct {
	Inputs
	seedSet map[string]bool
}

func (in workerInputs) isSeed(id string) bool { return in.seedSet[id] }

// openDueChallenges creates challenges for agents whose schedule has
// come due, picking challengers and an ephemeral room per suspect.
func (w *Worker) openDueChallenges(ctx context.Context, now time.Time) error {
	due, err := w.store.ListChallengeDue(ctx, now)
	if err != nil {
		return err
	}
	for _, suspectID := range due {
		challengers, err := w.store.PickChallengers(ctx, suspectID, challengerCount)
		if err != nil {
			return err
		}
		if len(challengers) == 0 {
			w.logger.Debug().Str("suspect_id", suspectID).Msg("no eligible challengers")
			continue
		}
		channelID, err := w.store.CreateEphemeralChannel(ctx, "challenge-"+suspectID[:8])
		if err != nil {
			return err
		}
		expires := now.Add(challengeDuration)
		challengeID, err := w.store.InsertChallenge(ctx, suspectID, channelID, challengers, expires)
		if err != nil {
			return err
		}
		w.notifyParticipants(ctx, challengeID, channelID, suspectID, challengers, expires)
		w.logger.Info().
			Str("challenge_id", challengeID).
			Str("suspect_id", suspectID).
			Int("challengers", len(challengers)).
			Msg("challenge opened")
	}
	return nil
}

// notifyParticipants summons the suspect and each challenger to the
// ephemeral channel over their personal topics. Delivery is best
// effort: an offline participant misses the frame but the challenge
// row still exists and resolves on schedule.
func (w *Worker) notifyParticipants(ctx context.Context, challengeID, channelID, suspectID string, challengers []string, expires time.Time) {
	frame := protocol.Marshal(protocol.ChallengeFrame{
		Op:        protocol.SrvChallenge,
		ID:        challengeID,
		Channel:   channelID,
		Suspect:   suspectID,
		ExpiresAt: expires.UnixMilli(),
	})
	for _, agentID := range append(challengers, suspectID) {
		if err := w.bus.Publish(ctx, bus.AgentTopic(agentID), frame); err != nil {
			w.logger.Warn().Err(err).Str("agent_id", agentID).Msg("challenge notify failed")
		}
	}
}

// closeExpiredChallenges resolves challenges past their deadline and
// drops their ephemeral channels.
func (w *Worker) closeExpiredChallenges(ctx context.Context, now time.Time) error {
	expired, err := w.store.ListExpiredActiveChallenges(ctx, now)
	if err != nil {
		return err
	}
	for _, c := range expired {
		outcome := ResolveVerdicts(c.Verdicts)
		if err := w.store.CompleteChallenge(ctx, c.ID, outcome); err != nil {
			return err
		}
		if err := w.store.DropChannel(ctx, c.ChannelID); err != nil {
			w.logger.Warn().Err(err).Str("channel_id", c.ChannelID).Msg("ephemeral channel cleanup failed")
		}
		w.logger.Info().Str("challenge_id", c.ID).Str("outcome", outcome).Msg("challenge closed")
	}

	stale, err := w.store.ListExpiredEphemeralChannels(ctx, now.Add(-challengeDuration))
	if err != nil {
		return err
	}
	for _, id := range stale {
		if err := w.store.DropChannel(ctx, id); err != nil {
			w.logger.Warn().Err(err).Str("channel_id", id).Msg("ephemeral channel cleanup failed")
		}
	}
	return nil
}

// ResolveVerdicts picks the majority verdict; ties and empty tallies
// are inconclusive.
func ResolveVerdicts(tally map[string]int) string {
	best, bestCount, tie := "inconclusive", 0, false
	for verdict, n := range tally {
		switch {
		case n > bestCount:
			best, bestCount, tie = verdict, n, false
		case n == bestCount && n > 0:
			tie = true
		}
	}
	if tie || bestCount == 0 {
		return "inconclusive"
	}
	return best
}
