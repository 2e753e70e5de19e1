package pricing

import (
	"context"
	"errors"

	"github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v4"
)

// DefaultCacheSize bounds the number of cached quotes.
const DefaultCacheSize = 16_384

type quoteKey struct {
	deployment types.DeploymentID
	indexer    types.IndexerID
	query      common.Hash
}

var errAborted = errors.New("cost evaluation aborted")

type pending struct {
	done chan struct{}
	fee  types.Fee
	err  error
}

// CachedEvaluator memoizes quotes per (deployment, indexer, query text). Concurrent requests
// for the same key share one evaluation. Failures are not cached; a waiter whose shared
// evaluation ended on the other caller's context evaluates again with its own.
type CachedEvaluator struct {
	next     Evaluator
	cache    *lru.Cache[quoteKey, types.Fee]
	inflight *xsync.Map[quoteKey, *pending]
}

// NewCachedEvaluator wraps next with an LRU of the given size.
func NewCachedEvaluator(next Evaluator, size int) (*CachedEvaluator, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[quoteKey, types.Fee](size)
	if err != nil {
		return nil, err
	}
	return &CachedEvaluator{
		next:     next,
		cache:    cache,
		inflight: xsync.NewMap[quoteKey, *pending](),
	}, nil
}

// QueryHash identifies a query by its text and variables.
func QueryHash(query types.Query) common.Hash {
	return crypto.Keccak256Hash(query.Body, []byte{0}, query.Variables)
}

func (c *CachedEvaluator) Evaluate(ctx context.Context, deployment types.DeploymentID, candidate types.IndexerCandidate, query types.Query) (types.Fee, error) {
	key := quoteKey{deployment: deployment, indexer: candidate.ID, query: QueryHash(query)}
	if fee, ok := c.cache.Get(key); ok {
		return fee, nil
	}

	call := &pending{done: make(chan struct{})}
	if existing, loaded := c.inflight.LoadOrStore(key, call); loaded {
		select {
		case <-existing.done:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		if !abandoned(existing.err) {
			return existing.fee, existing.err
		}
		// the shared evaluation died with its caller's context, not on this candidate
		return c.evaluate(ctx, key, deployment, candidate, query)
	}

	call.err = errAborted
	defer func() {
		c.inflight.Delete(key)
		close(call.done)
	}()

	call.fee, call.err = c.evaluate(ctx, key, deployment, candidate, query)
	return call.fee, call.err
}

func (c *CachedEvaluator) evaluate(ctx context.Context, key quoteKey, deployment types.DeploymentID, candidate types.IndexerCandidate, query types.Query) (types.Fee, error) {
	fee, err := c.next.Evaluate(ctx, deployment, candidate, query)
	if err == nil {
		c.cache.Add(key, fee)
	}
	return fee, err
}

func abandoned(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errAborted)
}

// Len returns the number of cached quotes.
func (c *CachedEvaluator) Len() int {
	return c.cache.Len()
}

// Purge drops every cached quote, e.g. after cost models change.
func (c *CachedEvaluator) Purge() {
	c.cache.Purge()
}

// StaticEvaluator charges a fixed fee per deployment. The candidate's minimum fee still
// applies on top through the Filter.
type StaticEvaluator struct {
	Default types.Fee
	Fees    map[types.DeploymentID]types.Fee
}

func (s StaticEvaluator) Evaluate(_ context.Context, deployment types.DeploymentID, _ types.IndexerCandidate, _ types.Query) (types.Fee, error) {
	if fee, ok := s.Fees[deployment]; ok {
		return fee, nil
	}
	return s.Default, nil
}
