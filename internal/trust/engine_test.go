package trust

import (
	"math"
	"testing"

	"github.com/moltchats/moltchats/internal/types"
)

func TestReactionWeight(t *testing.T) {
	cases := []struct {
		n    int
		want float64
	}{
		{0, 0},
		{1, 1.0},
		{2, 1.5},
		{3, 1.75},
		{4, 1.75},
		{10, 1.75},
	}
	for _, c := range cases {
		if got := ReactionWeight(c.n); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("ReactionWeight(%d) = %v, want %v", c.n, got, c.want)
		}
	}
}

func TestSeedAnchoring(t *testing.T) {
	// A seed must never score below an isolated non-seed.
	in := Inputs{
		Agents: []string{"seed", "loner", "a", "b"},
		Seeds:  []string{"seed"},
		Edges: []Edge{
			{From: "a", To: "b", Weight: 1.0},
			{From: "b", To: "a", Weight: 1.0},
		},
	}
	res := Compute(in)
	if res.Scores["seed"] < res.Scores["loner"] {
		t.Errorf("seed score %v < isolated non-seed score %v",
			res.Scores["seed"], res.Scores["loner"])
	}
}

func TestFlagConsensus(t *testing.T) {
	t.Run("four unit flags quarantine", func(t *testing.T) {
		flags := []Edge{
			{From: "f1", To: "x", Weight: 1.0},
			{From: "f2", To: "x", Weight: 1.0},
			{From: "f3", To: "x", Weight: 1.0},
			{From: "f4", To: "x", Weight: 1.0},
		}
		q := flagConsensus(flags)
		if !q["x"] {
			t.Error("sum 4.0 did not quarantine")
		}
	})

	t.Run("below threshold stays free", func(t *testing.T) {
		flags := []Edge{
			{From: "f1", To: "x", Weight: 1.0},
			{From: "f2", To: "x", Weight: 1.5},
		}
		if q := flagConsensus(flags); q["x"] {
			t.Error("sum 2.5 quarantined")
		}
	})

	t.Run("exact threshold quarantines", func(t *testing.T) {
		flags := []Edge{
			{From: "f1", To: "x", Weight: 1.5},
			{From: "f2", To: "x", Weight: 1.5},
		}
		if q := flagConsensus(flags); !q["x"] {
			t.Error("sum 3.0 did not quarantine")
		}
	})
}

func TestSybilComponentExemptions(t *testing.T) {
	// Three components: size 4 (largest, exempt), size 3 holding a
	// seed (exempt), size 2 (penalized).
	agents := []string{"a1", "a2", "a3", "a4", "s1", "b2", "b3", "c1", "c2"}
	index := map[string]int{}
	for i, id := range agents {
		index[id] = i
	}
	edges := []Edge{
		{From: "a1", To: "a2", Weight: 1},
		{From: "a2", To: "a3", Weight: 1},
		{From: "a3", To: "a4", Weight: 1},
		{From: "s1", To: "b2", Weight: 1},
		{From: "b2", To: "b3", Weight: 1},
		{From: "c1", To: "c2", Weight: 1},
	}
	seeds := map[string]bool{"s1": true}

	penalties := sybilPenalties(agents, index, edges, seeds)

	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		if _, ok := penalties[id]; ok {
			t.Errorf("largest component member %s penalized", id)
		}
	}
	for _, id := range []string{"s1", "b2", "b3"} {
		if _, ok := penalties[id]; ok {
			t.Errorf("seeded component member %s penalized", id)
		}
	}
	for _, id := range []string{"c1", "c2"} {
		p, ok := penalties[id]
		if !ok {
			t.Errorf("isolated pair member %s not penalized", id)
			continue
		}
		if math.Abs(p-0.8) > 1e-9 {
			t.Errorf("penalty for %s = %v, want 0.8", id, p)
		}
	}
}

func TestSybilSingletonExempt(t *testing.T) {
	agents := []string{"a", "b", "c"}
	index := map[string]int{"a": 0, "b": 1, "c": 2}
	edges := []Edge{{From: "a", To: "b", Weight: 1}}

	penalties := sybilPenalties(agents, index, edges, nil)
	if _, ok := penalties["c"]; ok {
		t.Error("singleton component penalized")
	}
}

func TestTierAssignment(t *testing.T) {
	cases := []struct {
		name        string
		score       float64
		seed        bool
		quarantined bool
		vouches     int
		want        types.Tier
	}{
		{"quarantine overrides seed", 1.0, true, true, 5, types.TierQuarantined},
		{"seed", 0.1, true, false, 0, types.TierSeed},
		{"trusted needs score and vouches", 0.7, false, false, 2, types.TierTrusted},
		{"high score without vouches is provisional", 0.9, false, false, 1, types.TierProvisional},
		{"vouches without score is provisional", 0.4, false, false, 3, types.TierProvisional},
		{"provisional floor", 0.3, false, false, 0, types.TierProvisional},
		{"untrusted", 0.1, false, false, 0, types.TierUntrusted},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := assignTier(c.score, c.seed, c.quarantined, c.vouches)
			if got != c.want {
				t.Errorf("assignTier(%v, seed=%v, q=%v, vouches=%d) = %s, want %s",
					c.score, c.seed, c.quarantined, c.vouches, got, c.want)
			}
		})
	}
}

func TestVouchPenalty(t *testing.T) {
	// Vouching for an agent who ends up quarantined costs the voucher
	// a tenth of their score.
	base := Compute(Inputs{
		Agents: []string{"v", "bad", "x"},
		Edges:  []Edge{{From: "x", To: "v", Weight: 1.0}},
	})

	withPenalty := Compute(Inputs{
		Agents:  []string{"v", "bad", "x"},
		Edges:   []Edge{{From: "x", To: "v", Weight: 1.0}},
		Vouches: []Edge{{From: "v", To: "bad", Weight: 1.0}},
		Flags: []Edge{
			{From: "f1", To: "bad", Weight: 1.5},
			{From: "f2", To: "bad", Weight: 1.5},
		},
	})

	want := base.Scores["v"] * 0.9
	if math.Abs(withPenalty.Scores["v"]-want) > 1e-9 {
		t.Errorf("voucher score = %v, want %v", withPenalty.Scores["v"], want)
	}
	if withPenalty.Tiers["bad"] != types.TierQuarantined {
		t.Errorf("vouchee tier = %s, want quarantined", withPenalty.Tiers["bad"])
	}
}

func TestMatrixRowNormalization(t *testing.T) {
	agents := []string{"a", "b", "c"}
	index := map[string]int{"a": 0, "b": 1, "c": 2}

	t.Run("negatives clamp to zero", func(t *testing.T) {
		c := buildMatrix(agents, index, []Edge{
			{From: "a", To: "b", Weight: 2.0},
			{From: "a", To: "c", Weight: -5.0},
		})
		if c[0][2] != 0 {
			t.Errorf("negative entry survived: %v", c[0][2])
		}
		if c[0][1] != 1.0 {
			t.Errorf("row not normalized: %v", c[0][1])
		}
	})

	t.Run("empty row becomes uniform", func(t *testing.T) {
		c := buildMatrix(agents, index, nil)
		for j := 0; j < 3; j++ {
			if math.Abs(c[1][j]-1.0/3.0) > 1e-9 {
				t.Errorf("c[1][%d] = %v, want 1/3", j, c[1][j])
			}
		}
	})
}

func TestComputeScoresBounded(t *testing.T) {
	res := Compute(Inputs{
		Agents: []string{"a", "b", "c", "d"},
		Seeds:  []string{"a"},
		Edges: []Edge{
			{From: "a", To: "b", Weight: 3.0},
			{From: "b", To: "c", Weight: 1.0},
			{From: "d", To: "b", Weight: -0.5},
		},
	})
	for id, s := range res.Scores {
		if s < 0 || s > 1 {
			t.Errorf("score for %s out of [0,1]: %v", id, s)
		}
	}
}

func TestUrgentChallenges(t *testing.T) {
	in := Inputs{
		Agents: []string{"x", "y"},
		Edges:  []Edge{{From: "y", To: "x", Weight: 0.5}},
		Flags:  []Edge{{From: "f1", To: "x", Weight: 1.0}},
	}
	res := Compute(in)
	if !res.ChallengeUrgent["x"] {
		t.Error("flag mass 1.0 vs positive 0.5 should trigger a challenge")
	}

	in.Edges = append(in.Edges, Edge{From: "z", To: "x", Weight: 2.0})
	in.Agents = append(in.Agents, "z")
	res = Compute(in)
	if res.ChallengeUrgent["x"] {
		t.Error("flag ratio below half should not trigger a challenge")
	}
}
