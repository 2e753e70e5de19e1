package selection

import (
	"testing"
	"time"

	"github.com/canopy-network/gatewayx/pkg/gateway/stats"
	"github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	indexerA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	indexerB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	indexerC = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

var epoch = time.Unix(1_700_000_000, 0)

func greedyPolicy() *Policy {
	cfg := DefaultConfig()
	cfg.ExplorationRate = 0
	cfg.Now = func() time.Time { return epoch }
	return NewPolicy(cfg)
}

func priced(id types.IndexerID, fee types.Fee) types.PricedCandidate {
	return types.PricedCandidate{
		Candidate: types.IndexerCandidate{ID: id, Collateral: 1000, BlocksBehind: -1},
		Fee:       fee,
	}
}

func history(successes, failures float64) stats.Snapshot {
	var snap stats.Snapshot
	snap.Successes = successes
	snap.Failures[types.FailureTransport] = failures
	snap.Penalty = failures
	snap.BlocksBehind = -1
	snap.LastUpdated = epoch
	return snap
}

func TestChooseEmpty(t *testing.T) {
	p := greedyPolicy()

	_, ok := p.Choose(nil, nil, Exclusions{}, NewRand("q"))
	assert.False(t, ok)

	excluded := Exclusions{}
	excluded.Add(indexerA)
	_, ok = p.Choose([]types.PricedCandidate{priced(indexerA, 1)}, nil, excluded, NewRand("q"))
	assert.False(t, ok)
}

func TestChoosePrefersReliabilityOverPrice(t *testing.T) {
	p := greedyPolicy()

	candidates := []types.PricedCandidate{priced(indexerA, 10), priced(indexerB, 5)}
	snapshots := map[types.IndexerID]stats.Snapshot{
		indexerA: history(95, 5),
		indexerB: history(50, 50),
	}

	got, ok := p.Choose(candidates, snapshots, Exclusions{}, NewRand("q-1"))
	require.True(t, ok)
	assert.Equal(t, indexerA, got.Candidate.ID)
}

func TestChoosePrefersCheaperWhenOtherwiseEqual(t *testing.T) {
	p := greedyPolicy()

	candidates := []types.PricedCandidate{priced(indexerA, 10), priced(indexerB, 5)}
	got, ok := p.Choose(candidates, nil, Exclusions{}, NewRand("q"))
	require.True(t, ok)
	assert.Equal(t, indexerB, got.Candidate.ID)
}

func TestChoosePrefersLowerLatencyAndFresherData(t *testing.T) {
	p := greedyPolicy()

	fast := history(10, 0)
	fast.Latency = 50 * time.Millisecond
	slow := history(10, 0)
	slow.Latency = 2 * time.Second

	candidates := []types.PricedCandidate{priced(indexerA, 5), priced(indexerB, 5)}
	got, _ := p.Choose(candidates, map[types.IndexerID]stats.Snapshot{indexerA: slow, indexerB: fast}, Exclusions{}, NewRand("q"))
	assert.Equal(t, indexerB, got.Candidate.ID)

	behind := history(10, 0)
	behind.BlocksBehind = 100
	behind.FreshnessAt = epoch
	synced := history(10, 0)
	synced.BlocksBehind = 0
	synced.FreshnessAt = epoch
	got, _ = p.Choose(candidates, map[types.IndexerID]stats.Snapshot{indexerA: synced, indexerB: behind}, Exclusions{}, NewRand("q"))
	assert.Equal(t, indexerA, got.Candidate.ID)
}

func TestStaleFreshnessFallsBackToCandidate(t *testing.T) {
	p := greedyPolicy()

	stale := history(10, 0)
	stale.BlocksBehind = 0
	stale.FreshnessAt = epoch.Add(-time.Hour)

	a := priced(indexerA, 5)
	a.Candidate.BlocksBehind = 500
	b := priced(indexerB, 5)
	b.Candidate.BlocksBehind = 0

	got, _ := p.Choose([]types.PricedCandidate{a, b},
		map[types.IndexerID]stats.Snapshot{indexerA: stale, indexerB: history(10, 0)},
		Exclusions{}, NewRand("q"))
	assert.Equal(t, indexerB, got.Candidate.ID)
}

func TestChooseNeverReturnsExcluded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExplorationRate = 1
	p := NewPolicy(cfg)

	candidates := []types.PricedCandidate{priced(indexerA, 1), priced(indexerB, 1), priced(indexerC, 1)}
	excluded := Exclusions{}
	excluded.Add(indexerA)
	excluded.Add(indexerC)

	rng := NewRand("explore")
	for i := 0; i < 100; i++ {
		got, ok := p.Choose(candidates, nil, excluded, rng)
		require.True(t, ok)
		assert.Equal(t, indexerB, got.Candidate.ID)
	}
}

func TestTieBreakIsDeterministicPerQuery(t *testing.T) {
	p := greedyPolicy()
	candidates := []types.PricedCandidate{priced(indexerA, 5), priced(indexerB, 5), priced(indexerC, 5)}

	first, _ := p.Choose(candidates, nil, Exclusions{}, NewRand("query-42"))
	for i := 0; i < 10; i++ {
		again, _ := p.Choose(candidates, nil, Exclusions{}, NewRand("query-42"))
		assert.Equal(t, first.Candidate.ID, again.Candidate.ID)
	}

	seen := map[types.IndexerID]bool{}
	for i := 0; i < 200; i++ {
		got, _ := p.Choose(candidates, nil, Exclusions{}, NewRand(time.Duration(i).String()))
		seen[got.Candidate.ID] = true
	}
	assert.Len(t, seen, 3)
}

func TestExplorationReachesWorseCandidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExplorationRate = 0.5
	cfg.Now = func() time.Time { return epoch }
	p := NewPolicy(cfg)

	candidates := []types.PricedCandidate{priced(indexerA, 5), priced(indexerB, 5)}
	snapshots := map[types.IndexerID]stats.Snapshot{
		indexerA: history(100, 0),
		indexerB: history(10, 10),
	}

	rng := NewRand("explore")
	picks := map[types.IndexerID]int{}
	for i := 0; i < 500; i++ {
		got, _ := p.Choose(candidates, snapshots, Exclusions{}, rng)
		picks[got.Candidate.ID]++
	}
	assert.Greater(t, picks[indexerA], picks[indexerB])
	assert.Positive(t, picks[indexerB])
}

func TestReliabilityUsesPriorWithoutHistory(t *testing.T) {
	p := greedyPolicy()

	assert.InDelta(t, 0.75, p.Reliability(stats.Snapshot{}), 1e-12)
	assert.Greater(t, p.Reliability(history(10, 0)), p.Reliability(stats.Snapshot{}))
	assert.Less(t, p.Reliability(history(0, 10)), p.Reliability(stats.Snapshot{}))
}

func TestRankOrdersByUtility(t *testing.T) {
	p := greedyPolicy()

	ranked := p.Rank(
		[]types.PricedCandidate{priced(indexerA, 5), priced(indexerB, 5), priced(indexerC, 5)},
		map[types.IndexerID]stats.Snapshot{
			indexerA: history(1, 9),
			indexerB: history(9, 1),
			indexerC: history(5, 5),
		},
		Exclusions{},
	)
	require.Len(t, ranked, 3)
	assert.Equal(t, indexerB, ranked[0].Candidate.ID)
	assert.Equal(t, indexerC, ranked[1].Candidate.ID)
	assert.Equal(t, indexerA, ranked[2].Candidate.ID)
	for _, s := range ranked {
		assert.Positive(t, s.Utility)
	}
}
