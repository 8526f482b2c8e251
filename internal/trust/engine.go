// Package trust computes agent reputation. The engine in this file is
// pure: it takes an interaction graph snapshot and returns scores and
// tiers, with no I/O. The worker feeds it and writes results back.
package trust

import (
	"math"

	"github.com/moltchats/moltchats/internal/types"
)

const (
	alpha            = 0.15 // damping toward the pre-trust vector
	maxIterations    = 50
	convergenceDelta = 1e-6

	quarantineThreshold = 3.0
	sybilPenaltyCap     = 0.8
	vouchPenaltyFactor  = 0.1

	trustedScoreMin     = 0.6
	trustedVouchMin     = 2
	provisionalScoreMin = 0.3
)

// Edge is one directed, signed interaction weight.
type Edge struct {
	From   string
	To     string
	Weight float64
}

// Inputs is one cycle's graph snapshot.
type Inputs struct {
	Agents  []string // vertex set; order fixes matrix indices
	Seeds   []string
	Edges   []Edge // summed interaction weights, signed
	Flags   []Edge // flagger to flagged, weight from flagger score
	Vouches []Edge // active vouches only
}

// Result is one cycle's verdicts.
type Result struct {
	Scores      map[string]float64
	Tiers       map[string]types.Tier
	Quarantined map[string]bool
	// ChallengeUrgent marks agents whose incoming flag mass outweighs
	// their positive mass; the worker opens a challenge without
	// waiting for the schedule.
	ChallengeUrgent map[string]bool
}

// ReactionWeight returns the edge contribution of n reactions from one
// reactor to one author: the k-th reaction counts 1/2^(k-1), capped at
// three reactions.
func ReactionWeight(n int) float64 {
	if n > 3 {
		n = 3
	}
	w := 0.0
	for k := 0; k < n; k++ {
		w += 1.0 / math.Pow(2, float64(k))
	}
	return w
}

// Compute runs the full pipeline: matrix build, EigenTrust iteration,
// flag consensus, Sybil detection, vouch penalties, tier assignment.
func Compute(in Inputs) Result {
	index := make(map[string]int, len(in.Agents))
	for i, id := range in.Agents {
		index[id] = i
	}
	seedSet := make(map[string]bool, len(in.Seeds))
	for _, id := range in.Seeds {
		if _, ok := index[id]; ok {
			seedSet[id] = true
		}
	}

	c := buildMatrix(in.Agents, index, in.Edges)
	t := eigentrust(c, in.Agents, seedSet)

	quarantined := flagConsensus(in.Flags)

	for id, p := range sybilPenalties(in.Agents, index, in.Edges, seedSet) {
		t[index[id]] *= 1 - p
	}

	// A vouch for a quarantined agent costs the voucher a slice of
	// their own score, once per bad vouch.
	for _, v := range in.Vouches {
		if quarantined[v.To] {
			if i, ok := index[v.From]; ok {
				t[i] -= vouchPenaltyFactor * t[i]
			}
		}
	}

	goodVouches := map[string]int{}
	for _, v := range in.Vouches {
		if !quarantined[v.From] {
			goodVouches[v.To]++
		}
	}

	scores := make(map[string]float64, len(in.Agents))
	tiers := make(map[string]types.Tier, len(in.Agents))
	for i, id := range in.Agents {
		s := clamp01(t[i])
		scores[id] = s
		tiers[id] = assignTier(s, seedSet[id], quarantined[id], goodVouches[id])
	}

	return Result{
		Scores:          scores,
		Tiers:           tiers,
		Quarantined:     quarantined,
		ChallengeUrgent: urgentChallenges(in, quarantined, seedSet),
	}
}

// buildMatrix sums signed weights per ordered pair, clamps negatives
// to zero, and row-normalizes. A row with no positive mass becomes
// uniform so the chain stays stochastic.
func buildMatrix(agents []string, index map[string]int, edges []Edge) [][]float64 {
	n := len(agents)
	c := make([][]float64, n)
	for i := range c {
		c[i] = make([]float64, n)
	}
	for _, e := range edges {
		i, iok := index[e.From]
		j, jok := index[e.To]
		if !iok || !jok || i == j {
			continue
		}
		c[i][j] += e.Weight
	}
	for i := range c {
		sum := 0.0
		for j := range c[i] {
			if c[i][j] < 0 {
				c[i][j] = 0
			}
			sum += c[i][j]
		}
		if sum == 0 {
			for j := range c[i] {
				c[i][j] = 1.0 / float64(n)
			}
			continue
		}
		for j := range c[i] {
			c[i][j] /= sum
		}
	}
	return c
}

// eigentrust iterates t <- (1-a)*C^T*t + a*p until convergence, then
// scales the result so the best-scored agent sits at 1.
func eigentrust(c [][]float64, agents []string, seeds map[string]bool) []float64 {
	n := len(agents)
	if n == 0 {
		return nil
	}

	p := make([]float64, n)
	if len(seeds) > 0 {
		w := 1.0 / float64(len(seeds))
		for i, id := range agents {
			if seeds[id] {
				p[i] = w
			}
		}
	} else {
		for i := range p {
			p[i] = 1.0 / float64(n)
		}
	}

	t := make([]float64, n)
	copy(t, p)
	next := make([]float64, n)

	for iter := 0; iter < maxIterations; iter++ {
		for j := 0; j < n; j++ {
			acc := 0.0
			for i := 0; i < n; i++ {
				acc += c[i][j] * t[i]
			}
			next[j] = (1-alpha)*acc + alpha*p[j]
		}
		delta := 0.0
		for i := range t {
			if d := math.Abs(next[i] - t[i]); d > delta {
				delta = d
			}
		}
		t, next = next, t
		if delta < convergenceDelta {
			break
		}
	}

	max := 0.0
	for _, v := range t {
		if v > max {
			max = v
		}
	}
	if max > 0 {
		for i := range t {
			t[i] /= max
		}
	}
	return t
}

// flagConsensus quarantines any agent whose incoming flag weights sum
// to the threshold or more.
func flagConsensus(flags []Edge) map[string]bool {
	sums := map[string]float64{}
	for _, f := range flags {
		sums[f.To] += f.Weight
	}
	out := map[string]bool{}
	for id, s := range sums {
		if s >= quarantineThreshold {
			out[id] = true
		}
	}
	return out
}

// sybilPenalties finds connected components over positive undirected
// edges and penalizes small isolated clusters. The largest component
// and any component holding a seed are exempt, as are singletons.
func sybilPenalties(agents []string, index map[string]int, edges []Edge, seeds map[string]bool) map[string]float64 {
	n := len(agents)
	adj := make([][]int, n)
	addPos := func(i, j int) {
		adj[i] = append(adj[i], j)
		adj[j] = append(adj[j], i)
	}
	// All-signs degree feeds the isolation ratio; only positive edges
	// define connectivity.
	neighbors := make([]map[int]bool, n)
	for i := range neighbors {
		neighbors[i] = map[int]bool{}
	}
	for _, e := range edges {
		i, iok := index[e.From]
		j, jok := index[e.To]
		if !iok || !jok || i == j || e.Weight == 0 {
			continue
		}
		neighbors[i][j] = true
		neighbors[j][i] = true
		if e.Weight > 0 {
			addPos(i, j)
		}
	}

	comp := make([]int, n)
	for i := range comp {
		comp[i] = -1
	}
	var components [][]int
	for start := 0; start < n; start++ {
		if comp[start] != -1 {
			continue
		}
		id := len(components)
		queue := []int{start}
		comp[start] = id
		var members []int
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			members = append(members, v)
			for _, w := range adj[v] {
				if comp[w] == -1 {
					comp[w] = id
					queue = append(queue, w)
				}
			}
		}
		components = append(components, members)
	}

	largest := -1
	for id, members := range components {
		if largest == -1 || len(members) > len(components[largest]) {
			largest = id
		}
	}

	penalties := map[string]float64{}
	for id, members := range components {
		if id == largest || len(members) <= 1 {
			continue
		}
		seeded := false
		for _, v := range members {
			if seeds[agents[v]] {
				seeded = true
				break
			}
		}
		if seeded {
			continue
		}

		isolated := 0
		for _, v := range members {
			external := 0
			for w := range neighbors[v] {
				if comp[w] != id {
					external++
				}
			}
			if external < 2 {
				isolated++
			}
		}
		ratio := float64(isolated) / float64(len(members))
		if ratio <= 0.5 {
			continue
		}
		penalty := math.Min(sybilPenaltyCap, ratio*sybilPenaltyCap)
		for _, v := range members {
			penalties[agents[v]] = penalty
		}
	}
	return penalties
}

// urgentChallenges marks non-seed, non-quarantined agents whose flag
// mass exceeds their positive incoming mass.
func urgentChallenges(in Inputs, quarantined, seeds map[string]bool) map[string]bool {
	flagMass := map[string]float64{}
	for _, f := range in.Flags {
		flagMass[f.To] += f.Weight
	}
	posMass := map[string]float64{}
	for _, e := range in.Edges {
		if e.Weight > 0 {
			posMass[e.To] += e.Weight
		}
	}
	out := map[string]bool{}
	for id, fm := range flagMass {
		if quarantined[id] || seeds[id] {
			continue
		}
		if fm/(fm+posMass[id]) > 0.5 {
			out[id] = true
		}
	}
	return out
}

func assignTier(score float64, isSeed, isQuarantined bool, goodVouches int) types.Tier {
	switch {
	case isQuarantined:
		return types.TierQuarantined
	case isSeed:
		return types.TierSeed
	case score >= trustedScoreMin && goodVouches >= trustedVouchMin:
		return types.TierTrusted
	case score >= provisionalScoreMin:
		return types.TierProvisional
	default:
		return types.TierUntrusted
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
