package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/gatewayx/pkg/gateway/types"
	"go.uber.org/zap"
)

var (
	// ErrBudgetExceeded means quotes exist but none fits the remaining budget.
	ErrBudgetExceeded = errors.New("no indexer fee fits the remaining budget")
	// ErrNoQuotes means no candidate produced a usable fee.
	ErrNoQuotes = errors.New("no indexer could be priced")
)

// Evaluator prices one query for one indexer.
type Evaluator interface {
	Evaluate(ctx context.Context, deployment types.DeploymentID, candidate types.IndexerCandidate, query types.Query) (types.Fee, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, deployment types.DeploymentID, candidate types.IndexerCandidate, query types.Query) (types.Fee, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, deployment types.DeploymentID, candidate types.IndexerCandidate, query types.Query) (types.Fee, error) {
	return f(ctx, deployment, candidate, query)
}

// Quotes is the outcome of pricing every candidate of one query.
type Quotes struct {
	// Priced keeps the candidate order. Fees are never below the candidate's minimum.
	Priced []types.PricedCandidate
	// Failed counts candidates dropped because evaluation failed.
	Failed int
}

// Filter turns candidates into affordable (candidate, fee) pairs.
type Filter struct {
	evaluator Evaluator
	pool      pond.Pool
	logger    *zap.Logger
}

// NewFilter creates a filter that evaluates on the given pool. A nil pool evaluates inline.
func NewFilter(evaluator Evaluator, pool pond.Pool, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{evaluator: evaluator, pool: pool, logger: logger}
}

// Quote evaluates all candidates concurrently. A failed evaluation drops only that candidate.
func (f *Filter) Quote(ctx context.Context, deployment types.DeploymentID, candidates []types.IndexerCandidate, query types.Query) Quotes {
	fees := make([]types.Fee, len(candidates))
	errs := make([]error, len(candidates))

	if f.pool == nil || len(candidates) < 2 {
		for i, c := range candidates {
			fees[i], errs[i] = f.evaluate(ctx, deployment, c, query)
		}
	} else {
		group := f.pool.NewGroupContext(ctx)
		groupCtx := group.Context()
		for i, c := range candidates {
			group.Submit(func() {
				if err := groupCtx.Err(); err != nil {
					errs[i] = err
					return
				}
				fees[i], errs[i] = f.evaluate(groupCtx, deployment, c, query)
			})
		}
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
			f.logger.Warn("Cost evaluation group failed",
				zap.String("deployment", deployment.String()),
				zap.Error(err))
		}
	}

	out := Quotes{Priced: make([]types.PricedCandidate, 0, len(candidates))}
	for i, c := range candidates {
		if errs[i] != nil {
			out.Failed++
			f.logger.Debug("Dropping candidate after cost evaluation failure",
				zap.String("deployment", deployment.String()),
				zap.Stringer("indexer", c.ID),
				zap.Error(errs[i]))
			continue
		}
		out.Priced = append(out.Priced, types.PricedCandidate{Candidate: c, Fee: fees[i]})
	}
	return out
}

func (f *Filter) evaluate(ctx context.Context, deployment types.DeploymentID, c types.IndexerCandidate, query types.Query) (fee types.Fee, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cost evaluator panicked: %v", r)
		}
	}()
	fee, err = f.evaluator.Evaluate(ctx, deployment, c, query)
	if err != nil {
		return 0, err
	}
	if fee < c.MinFee {
		fee = c.MinFee
	}
	return fee, nil
}

// Affordable keeps the pairs whose fee fits the remaining budget, preserving order. It also
// reports how many were cut for price.
func Affordable(priced []types.PricedCandidate, remaining types.Fee) (kept []types.PricedCandidate, tooExpensive int) {
	kept = make([]types.PricedCandidate, 0, len(priced))
	for _, pc := range priced {
		if pc.Fee <= remaining {
			kept = append(kept, pc)
		} else {
			tooExpensive++
		}
	}
	return kept, tooExpensive
}

// Affordable prices the candidates and keeps the ones within budget. An empty result is
// ErrBudgetExceeded when price was the cause and ErrNoQuotes otherwise.
func (f *Filter) Affordable(ctx context.Context, candidates []types.IndexerCandidate, deployment types.DeploymentID, query types.Query, remaining types.Fee) ([]types.PricedCandidate, error) {
	quotes := f.Quote(ctx, deployment, candidates, query)
	kept, tooExpensive := Affordable(quotes.Priced, remaining)
	if len(kept) > 0 {
		return kept, nil
	}
	if tooExpensive > 0 {
		return nil, ErrBudgetExceeded
	}
	return nil, ErrNoQuotes
}
