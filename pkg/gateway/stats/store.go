package stats

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// numClasses bounds the per-class failure counters.
const numClasses = int(types.FailureThrottled) + 1

// Config controls decay and blending of indexer statistics.
type Config struct {
	// HalfLife is the idle time over which counters lose half their weight.
	HalfLife time.Duration
	// LatencyAlpha is the weight of a new sample in the latency EWMA.
	LatencyAlpha float64
	// Penalties weighs each failure class when building the aggregate penalty.
	Penalties map[types.FailureClass]float64
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		HalfLife:     10 * time.Minute,
		LatencyAlpha: 0.2,
		Penalties: map[types.FailureClass]float64{
			types.FailureTimeout:     3.0,
			types.FailureTransport:   1.0,
			types.FailureIndexer:     1.5,
			types.FailureBadResponse: 2.0,
		},
	}
}

// Key identifies one (deployment, indexer) pair.
type Key struct {
	Deployment types.DeploymentID
	Indexer    types.IndexerID
}

// Snapshot is an immutable point-in-time view of one pair.
type Snapshot struct {
	Successes float64
	Failures  [numClasses]float64
	// Penalty is the severity-weighted sum of failures.
	Penalty float64
	// Latency is the EWMA of measured latencies, zero when never measured.
	Latency time.Duration
	// BlocksBehind is -1 when never observed.
	BlocksBehind int64
	FreshnessAt  time.Time
	LastFee      types.Fee
	LastUpdated  time.Time
}

// Observed reports whether any outcome has been recorded.
func (s Snapshot) Observed() bool {
	return !s.LastUpdated.IsZero()
}

// FailureCount returns the decayed count of failures of the given class.
func (s Snapshot) FailureCount(class types.FailureClass) float64 {
	if int(class) >= numClasses {
		return 0
	}
	return s.Failures[class]
}

// TotalFailures sums failures across classes.
func (s Snapshot) TotalFailures() float64 {
	var total float64
	for _, f := range s.Failures {
		total += f
	}
	return total
}

var emptySnapshot = Snapshot{BlocksBehind: -1}

type entry struct {
	mu      sync.Mutex
	evicted bool
	current atomic.Pointer[Snapshot]
}

// Store keeps per-(deployment, indexer) statistics shared by all concurrent dispatches.
// Writers serialize per key; readers never block.
type Store struct {
	cfg     Config
	logger  *zap.Logger
	entries *xsync.Map[Key, *entry]
}

// New creates an empty store.
func New(cfg Config, logger *zap.Logger) *Store {
	def := DefaultConfig()
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = def.HalfLife
	}
	if cfg.LatencyAlpha <= 0 || cfg.LatencyAlpha > 1 {
		cfg.LatencyAlpha = def.LatencyAlpha
	}
	if cfg.Penalties == nil {
		cfg.Penalties = def.Penalties
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:     cfg,
		logger:  logger,
		entries: xsync.NewMap[Key, *entry](),
	}
}

func (s *Store) entryFor(key Key) *entry {
	if e, ok := s.entries.Load(key); ok {
		return e
	}
	fresh := &entry{}
	fresh.current.Store(&emptySnapshot)
	e, _ := s.entries.LoadOrStore(key, fresh)
	return e
}

// Observe records the outcome of one attempt. Counter increments and blends only depend on
// the previous aggregate, so concurrent observers may interleave in any order.
func (s *Store) Observe(deployment types.DeploymentID, indexer types.IndexerID, outcome types.Outcome) {
	key := Key{Deployment: deployment, Indexer: indexer}
	now := s.cfg.Now()
	for {
		e := s.entryFor(key)
		e.mu.Lock()
		if e.evicted {
			// lost a race with Evict, the key now points at a new entry
			e.mu.Unlock()
			continue
		}
		cur := *e.current.Load()
		next, weight := cur, 1.0
		if now.Before(cur.LastUpdated) {
			// a later observation landed first: age this one instead of the aggregate
			weight = s.factor(cur.LastUpdated.Sub(now))
		} else {
			next = s.decay(cur, now)
		}
		s.apply(&next, outcome, now, weight)
		e.current.Store(&next)
		e.mu.Unlock()
		return
	}
}

func (s *Store) apply(snap *Snapshot, outcome types.Outcome, now time.Time, weight float64) {
	if outcome.Success {
		snap.Successes += weight
	} else if outcome.Class.Counted() {
		snap.Failures[outcome.Class] += weight
		snap.Penalty += weight * s.penalty(outcome.Class)
	}
	if outcome.Latency > 0 {
		if snap.Latency == 0 {
			snap.Latency = outcome.Latency
		} else {
			blended := s.cfg.LatencyAlpha*float64(outcome.Latency) + (1-s.cfg.LatencyAlpha)*float64(snap.Latency)
			snap.Latency = time.Duration(blended)
		}
	}
	if outcome.BlocksBehind >= 0 && !now.Before(snap.FreshnessAt) {
		snap.BlocksBehind = outcome.BlocksBehind
		snap.FreshnessAt = now
	}
	if outcome.Fee > 0 {
		snap.LastFee = outcome.Fee
	}
	if now.After(snap.LastUpdated) {
		snap.LastUpdated = now
	}
}

func (s *Store) penalty(class types.FailureClass) float64 {
	if w, ok := s.cfg.Penalties[class]; ok {
		return w
	}
	return 1
}

// factor is the weight left after idle time: 0.5 per half-life, continuous.
func (s *Store) factor(idle time.Duration) float64 {
	if idle <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(idle)/float64(s.cfg.HalfLife))
}

// decay ages counters from the last update to now.
func (s *Store) decay(snap Snapshot, now time.Time) Snapshot {
	if snap.LastUpdated.IsZero() {
		return snap
	}
	factor := s.factor(now.Sub(snap.LastUpdated))
	if factor == 1 {
		return snap
	}
	snap.Successes *= factor
	snap.Penalty *= factor
	for i := range snap.Failures {
		snap.Failures[i] *= factor
	}
	return snap
}

// Snapshot returns the decayed view of one pair. Unknown pairs yield a zero snapshot whose
// Observed method reports false.
func (s *Store) Snapshot(deployment types.DeploymentID, indexer types.IndexerID) Snapshot {
	e, ok := s.entries.Load(Key{Deployment: deployment, Indexer: indexer})
	if !ok {
		return emptySnapshot
	}
	return s.decay(*e.current.Load(), s.cfg.Now())
}

// Snapshots returns the views for a set of indexers of one deployment.
func (s *Store) Snapshots(deployment types.DeploymentID, indexers []types.IndexerID) map[types.IndexerID]Snapshot {
	out := make(map[types.IndexerID]Snapshot, len(indexers))
	for _, id := range indexers {
		out[id] = s.Snapshot(deployment, id)
	}
	return out
}

// Deployment returns every tracked indexer of a deployment.
func (s *Store) Deployment(deployment types.DeploymentID) map[types.IndexerID]Snapshot {
	out := map[types.IndexerID]Snapshot{}
	now := s.cfg.Now()
	s.entries.Range(func(key Key, e *entry) bool {
		if key.Deployment == deployment {
			out[key.Indexer] = s.decay(*e.current.Load(), now)
		}
		return true
	})
	return out
}

// Evict drops entries not updated within the retention window and returns how many were
// removed. It runs from maintenance, never from the dispatch path.
func (s *Store) Evict(retention time.Duration) int {
	cutoff := s.cfg.Now().Add(-retention)
	removed := 0
	s.entries.Range(func(key Key, e *entry) bool {
		e.mu.Lock()
		if e.current.Load().LastUpdated.Before(cutoff) {
			e.evicted = true
			s.entries.Compute(key, func(old *entry, loaded bool) (*entry, xsync.ComputeOp) {
				if loaded && old == e {
					return nil, xsync.DeleteOp
				}
				return old, xsync.CancelOp
			})
			removed++
		}
		e.mu.Unlock()
		return true
	})
	if removed > 0 {
		s.logger.Debug("Evicted idle indexer statistics",
			zap.Int("removed", removed),
			zap.Duration("retention", retention))
	}
	return removed
}

// Len returns the number of tracked pairs.
func (s *Store) Len() int {
	return s.entries.Size()
}
