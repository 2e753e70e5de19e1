package selection

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/canopy-network/gatewayx/pkg/gateway/stats"
	"github.com/canopy-network/gatewayx/pkg/gateway/types"
)

// Config holds the weights of the utility function. Every factor lies in (0, 1] and is
// monotone in its signal.
type Config struct {
	// PriorSuccessRate is the reliability assumed for an indexer with no history.
	PriorSuccessRate float64
	// PriorWeight is how many pseudo-observations the prior is worth.
	PriorWeight float64
	// ReliabilityExponent sharpens the preference for reliable indexers.
	ReliabilityExponent float64

	// PriorLatency is assumed when no latency was measured.
	PriorLatency time.Duration
	// LatencyScale is the latency at which the latency factor drops to one half.
	LatencyScale time.Duration

	// PriorBlocksBehind is assumed when freshness is unknown or stale.
	PriorBlocksBehind float64
	// FreshnessScale is the lag, in blocks, at which the freshness factor drops to one half.
	FreshnessScale float64
	// FreshnessTTL bounds the age of a freshness reading.
	FreshnessTTL time.Duration

	// FeeSensitivity in [0, 0.95]: the most expensive candidate keeps 1-FeeSensitivity of its weight.
	FeeSensitivity float64

	// ExplorationRate is the probability of a utility-weighted draw instead of the best candidate.
	ExplorationRate float64
	// TieTolerance is the relative distance under which utilities are considered equal.
	TieTolerance float64

	Now func() time.Time
}

// DefaultConfig returns the reference blending function settings.
func DefaultConfig() Config {
	return Config{
		PriorSuccessRate:    0.75,
		PriorWeight:         2,
		ReliabilityExponent: 2,
		PriorLatency:        400 * time.Millisecond,
		LatencyScale:        time.Second,
		PriorBlocksBehind:   0,
		FreshnessScale:      10,
		FreshnessTTL:        5 * time.Minute,
		FeeSensitivity:      0.5,
		ExplorationRate:     0.1,
		TieTolerance:        1e-9,
	}
}

// Exclusions is the set of indexers that may not be chosen again for a query.
type Exclusions map[types.IndexerID]struct{}

func (e Exclusions) Add(id types.IndexerID) { e[id] = struct{}{} }

func (e Exclusions) Has(id types.IndexerID) bool {
	_, ok := e[id]
	return ok
}

// Scored is a candidate with its utility.
type Scored struct {
	types.PricedCandidate
	Utility float64
}

// Policy scores candidates. It performs no I/O and holds no mutable state.
type Policy struct {
	cfg Config
}

// NewPolicy validates the configuration and returns a policy.
func NewPolicy(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.PriorSuccessRate <= 0 || cfg.PriorSuccessRate > 1 {
		cfg.PriorSuccessRate = def.PriorSuccessRate
	}
	if cfg.PriorWeight <= 0 {
		cfg.PriorWeight = def.PriorWeight
	}
	if cfg.ReliabilityExponent <= 0 {
		cfg.ReliabilityExponent = def.ReliabilityExponent
	}
	if cfg.PriorLatency <= 0 {
		cfg.PriorLatency = def.PriorLatency
	}
	if cfg.LatencyScale <= 0 {
		cfg.LatencyScale = def.LatencyScale
	}
	if cfg.PriorBlocksBehind < 0 {
		cfg.PriorBlocksBehind = 0
	}
	if cfg.FreshnessScale <= 0 {
		cfg.FreshnessScale = def.FreshnessScale
	}
	if cfg.FreshnessTTL <= 0 {
		cfg.FreshnessTTL = def.FreshnessTTL
	}
	cfg.FeeSensitivity = math.Min(math.Max(cfg.FeeSensitivity, 0), 0.95)
	cfg.ExplorationRate = math.Min(math.Max(cfg.ExplorationRate, 0), 1)
	if cfg.TieTolerance <= 0 {
		cfg.TieTolerance = def.TieTolerance
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Policy{cfg: cfg}
}

// NewRand returns the per-query generator. The same query id always yields the same sequence.
func NewRand(queryID string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(queryID))
	seed := h.Sum64()
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Reliability blends observed outcomes with the prior. Failures count with their severity.
func (p *Policy) Reliability(s stats.Snapshot) float64 {
	w := p.cfg.PriorWeight
	return (s.Successes + p.cfg.PriorSuccessRate*w) / (s.Successes + s.Penalty + w)
}

func (p *Policy) latencyFactor(s stats.Snapshot) float64 {
	latency := s.Latency
	if latency <= 0 {
		latency = p.cfg.PriorLatency
	}
	return 1 / (1 + float64(latency)/float64(p.cfg.LatencyScale))
}

func (p *Policy) freshnessFactor(c types.IndexerCandidate, s stats.Snapshot, now time.Time) float64 {
	behind := p.cfg.PriorBlocksBehind
	switch {
	case s.BlocksBehind >= 0 && now.Sub(s.FreshnessAt) <= p.cfg.FreshnessTTL:
		behind = float64(s.BlocksBehind)
	case c.BlocksBehind >= 0:
		behind = float64(c.BlocksBehind)
	}
	return 1 / (1 + behind/p.cfg.FreshnessScale)
}

func (p *Policy) feeFactor(fee, maxFee types.Fee) float64 {
	if maxFee == 0 {
		return 1
	}
	return 1 - p.cfg.FeeSensitivity*float64(fee)/float64(maxFee)
}

// Rank scores every candidate that is not excluded, best first. Equal utilities keep the input order.
func (p *Policy) Rank(priced []types.PricedCandidate, snapshots map[types.IndexerID]stats.Snapshot, excluded Exclusions) []Scored {
	var maxFee types.Fee
	for _, pc := range priced {
		if !excluded.Has(pc.Candidate.ID) && pc.Fee > maxFee {
			maxFee = pc.Fee
		}
	}
	now := p.cfg.Now()
	out := make([]Scored, 0, len(priced))
	for _, pc := range priced {
		if excluded.Has(pc.Candidate.ID) {
			continue
		}
		snap, ok := snapshots[pc.Candidate.ID]
		if !ok {
			snap = stats.Snapshot{BlocksBehind: -1}
		}
		utility := math.Pow(p.Reliability(snap), p.cfg.ReliabilityExponent) *
			p.latencyFactor(snap) *
			p.freshnessFactor(pc.Candidate, snap, now) *
			p.feeFactor(pc.Fee, maxFee)
		out = append(out, Scored{PricedCandidate: pc, Utility: utility})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Utility > out[j].Utility })
	return out
}

// Choose picks the next indexer. It never returns an excluded indexer and returns false when
// no candidate remains. With probability ExplorationRate the pick is a utility-weighted draw;
// otherwise the best candidate wins and ties are broken uniformly with rng.
func (p *Policy) Choose(priced []types.PricedCandidate, snapshots map[types.IndexerID]stats.Snapshot, excluded Exclusions, rng *rand.Rand) (types.PricedCandidate, bool) {
	ranked := p.Rank(priced, snapshots, excluded)
	if len(ranked) == 0 {
		return types.PricedCandidate{}, false
	}
	if len(ranked) == 1 {
		return ranked[0].PricedCandidate, true
	}
	if p.cfg.ExplorationRate > 0 && rng.Float64() < p.cfg.ExplorationRate {
		return weightedDraw(ranked, rng).PricedCandidate, true
	}
	best := ranked[0].Utility
	tied := 1
	for tied < len(ranked) && ranked[tied].Utility >= best*(1-p.cfg.TieTolerance) {
		tied++
	}
	if tied == 1 {
		return ranked[0].PricedCandidate, true
	}
	return ranked[rng.IntN(tied)].PricedCandidate, true
}

func weightedDraw(ranked []Scored, rng *rand.Rand) Scored {
	var sum float64
	for _, s := range ranked {
		sum += s.Utility
	}
	u := rng.Float64() * sum
	var acc float64
	for _, s := range ranked {
		acc += s.Utility
		if u < acc {
			return s
		}
	}
	return ranked[len(ranked)-1]
}
