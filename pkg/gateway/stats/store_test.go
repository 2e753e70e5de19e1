package stats

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cfg := DefaultConfig()
	cfg.HalfLife = time.Minute
	cfg.Now = clock.Now
	return New(cfg, zaptest.NewLogger(t)), clock
}

var (
	deploymentA = types.DeploymentID("QmDeploymentA")
	indexerA    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	indexerB    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func TestSnapshotOfUnknownPairIsNeutral(t *testing.T) {
	store, _ := newTestStore(t)

	snap := store.Snapshot(deploymentA, indexerA)
	assert.False(t, snap.Observed())
	assert.Equal(t, int64(-1), snap.BlocksBehind)
	assert.Zero(t, snap.Successes)
	assert.Zero(t, snap.TotalFailures())
	assert.Equal(t, 0, store.Len())
}

func TestObserveRecordsOutcome(t *testing.T) {
	store, _ := newTestStore(t)

	store.Observe(deploymentA, indexerA, types.Succeeded(100*time.Millisecond, 7, 3))
	store.Observe(deploymentA, indexerA, types.Failed(types.FailureTimeout, 0, 7))
	store.Observe(deploymentA, indexerA, types.Failed(types.FailureTransport, 50*time.Millisecond, 0))

	snap := store.Snapshot(deploymentA, indexerA)
	require.True(t, snap.Observed())
	assert.Equal(t, 1.0, snap.Successes)
	assert.Equal(t, 1.0, snap.FailureCount(types.FailureTimeout))
	assert.Equal(t, 1.0, snap.FailureCount(types.FailureTransport))
	assert.Equal(t, 2.0, snap.TotalFailures())
	assert.Equal(t, 4.0, snap.Penalty) // timeout 3 + transport 1
	assert.Equal(t, int64(3), snap.BlocksBehind)
	assert.Equal(t, types.Fee(7), snap.LastFee)
	// 0.2*50ms + 0.8*100ms
	assert.Equal(t, 90*time.Millisecond, snap.Latency)
}

func TestCollateralFailuresAreNotCounted(t *testing.T) {
	store, _ := newTestStore(t)

	store.Observe(deploymentA, indexerA, types.Failed(types.FailureCollateral, 0, 0))

	snap := store.Snapshot(deploymentA, indexerA)
	assert.Zero(t, snap.TotalFailures())
	assert.Zero(t, snap.Penalty)
}

func TestPairsAreIndependent(t *testing.T) {
	store, _ := newTestStore(t)

	store.Observe(deploymentA, indexerA, types.Succeeded(time.Millisecond, 1, -1))
	store.Observe("QmOther", indexerA, types.Failed(types.FailureIndexer, 0, 0))

	assert.Equal(t, 1.0, store.Snapshot(deploymentA, indexerA).Successes)
	assert.Zero(t, store.Snapshot(deploymentA, indexerA).TotalFailures())
	assert.Equal(t, 1.0, store.Snapshot("QmOther", indexerA).FailureCount(types.FailureIndexer))
	assert.False(t, store.Snapshot(deploymentA, indexerB).Observed())
}

func TestDecayHalvesCountersAfterHalfLife(t *testing.T) {
	store, clock := newTestStore(t)

	for i := 0; i < 4; i++ {
		store.Observe(deploymentA, indexerA, types.Succeeded(0, 0, -1))
		store.Observe(deploymentA, indexerA, types.Failed(types.FailureTransport, 0, 0))
	}
	clock.Advance(2 * time.Minute)

	snap := store.Snapshot(deploymentA, indexerA)
	assert.InDelta(t, 1.0, snap.Successes, 1e-9)
	assert.InDelta(t, 1.0, snap.FailureCount(types.FailureTransport), 1e-9)

	store.Observe(deploymentA, indexerA, types.Succeeded(0, 0, -1))
	snap = store.Snapshot(deploymentA, indexerA)
	assert.InDelta(t, 2.0, snap.Successes, 1e-9)
}

func TestDecayIsContinuous(t *testing.T) {
	store, clock := newTestStore(t)

	store.Observe(deploymentA, indexerA, types.Succeeded(0, 0, -1))
	clock.Advance(30 * time.Second)
	assert.InDelta(t, math.Sqrt(0.5), store.Snapshot(deploymentA, indexerA).Successes, 1e-9)

	// no jump when crossing the half-life
	clock.Advance(30*time.Second - time.Millisecond)
	justBefore := store.Snapshot(deploymentA, indexerA).Successes
	clock.Advance(2 * time.Millisecond)
	justAfter := store.Snapshot(deploymentA, indexerA).Successes
	assert.InDelta(t, 0.5, justBefore, 1e-4)
	assert.InDelta(t, justBefore, justAfter, 1e-4)
}

func TestLateObservationIsAgedNotAggregate(t *testing.T) {
	store, clock := newTestStore(t)
	early := clock.Now()
	clock.Advance(time.Minute)

	// the observation stamped at early lands after one stamped a minute later
	store.Observe(deploymentA, indexerA, types.Succeeded(0, 0, -1))
	late := store.cfg.Now
	store.cfg.Now = func() time.Time { return early }
	store.Observe(deploymentA, indexerA, types.Failed(types.FailureTransport, 0, 0))
	store.cfg.Now = late

	snap := store.Snapshot(deploymentA, indexerA)
	assert.InDelta(t, 1.0, snap.Successes, 1e-9)
	assert.InDelta(t, 0.5, snap.FailureCount(types.FailureTransport), 1e-9)
	assert.Equal(t, clock.Now(), snap.LastUpdated)
}

func TestFreshnessIsLastWriteWins(t *testing.T) {
	store, clock := newTestStore(t)

	store.Observe(deploymentA, indexerA, types.Succeeded(0, 0, 10))
	clock.Advance(time.Second)
	store.Observe(deploymentA, indexerA, types.Succeeded(0, 0, 2))
	// unknown freshness keeps the previous value
	store.Observe(deploymentA, indexerA, types.Failed(types.FailureIndexer, 0, 0))

	snap := store.Snapshot(deploymentA, indexerA)
	assert.Equal(t, int64(2), snap.BlocksBehind)
	assert.Equal(t, clock.Now(), snap.FreshnessAt)
}

func TestConcurrentObservationsAreCommutative(t *testing.T) {
	store, _ := newTestStore(t)

	const workers = 32
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				switch (w + i) % 4 {
				case 0, 1:
					store.Observe(deploymentA, indexerA, types.Succeeded(20*time.Millisecond, 5, -1))
				case 2:
					store.Observe(deploymentA, indexerA, types.Failed(types.FailureTimeout, 20*time.Millisecond, 5))
				default:
					store.Observe(deploymentA, indexerA, types.Failed(types.FailureIndexer, 20*time.Millisecond, 5))
				}
			}
		}(w)
	}
	wg.Wait()

	total := workers * perWorker
	snap := store.Snapshot(deploymentA, indexerA)
	assert.Equal(t, float64(total/2), snap.Successes)
	assert.Equal(t, float64(total/4), snap.FailureCount(types.FailureTimeout))
	assert.Equal(t, float64(total/4), snap.FailureCount(types.FailureIndexer))
	assert.Equal(t, float64(total/4)*3.0+float64(total/4)*1.5, snap.Penalty)
	assert.Equal(t, 20*time.Millisecond, snap.Latency)
}

func TestEvictDropsIdleEntries(t *testing.T) {
	store, clock := newTestStore(t)

	store.Observe(deploymentA, indexerA, types.Succeeded(0, 0, -1))
	clock.Advance(time.Hour)
	store.Observe(deploymentA, indexerB, types.Succeeded(0, 0, -1))

	removed := store.Evict(30 * time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())
	assert.False(t, store.Snapshot(deploymentA, indexerA).Observed())
	assert.True(t, store.Snapshot(deploymentA, indexerB).Observed())

	// an evicted pair starts over on the next observation
	store.Observe(deploymentA, indexerA, types.Succeeded(0, 0, -1))
	assert.Equal(t, 1.0, store.Snapshot(deploymentA, indexerA).Successes)
}

func TestDeploymentListsTrackedIndexers(t *testing.T) {
	store, _ := newTestStore(t)

	store.Observe(deploymentA, indexerA, types.Succeeded(0, 0, -1))
	store.Observe(deploymentA, indexerB, types.Succeeded(0, 0, -1))
	store.Observe("QmOther", indexerB, types.Succeeded(0, 0, -1))

	got := store.Deployment(deploymentA)
	assert.Len(t, got, 2)
	assert.Contains(t, got, indexerA)
	assert.Contains(t, got, indexerB)

	snaps := store.Snapshots(deploymentA, []types.IndexerID{indexerA, indexerB})
	assert.Len(t, snaps, 2)
}
