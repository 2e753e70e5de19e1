package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/canopy-network/gatewayx/pkg/gateway/pricing"
	"github.com/canopy-network/gatewayx/pkg/gateway/receipts"
	"github.com/canopy-network/gatewayx/pkg/gateway/selection"
	"github.com/canopy-network/gatewayx/pkg/gateway/stats"
	"github.com/canopy-network/gatewayx/pkg/gateway/telemetry"
	"github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChargePolicy decides which attempts consume the query budget.
type ChargePolicy uint8

const (
	// ChargeOnAttempt charges every attempt sent to an indexer.
	ChargeOnAttempt ChargePolicy = iota
	// ChargeOnSuccess charges only the attempt that produced the response.
	ChargeOnSuccess
)

func (p ChargePolicy) String() string {
	if p == ChargeOnSuccess {
		return "success"
	}
	return "attempt"
}

// ParseChargePolicy accepts "attempt" and "success".
func ParseChargePolicy(s string) (ChargePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "attempt":
		return ChargeOnAttempt, nil
	case "success":
		return ChargeOnSuccess, nil
	default:
		return 0, fmt.Errorf("unknown charge policy %q", s)
	}
}

// Sender delivers one paid query to one indexer. Timeouts must surface as errors wrapping
// context.DeadlineExceeded, other failures as *types.AttemptError.
type Sender interface {
	Send(ctx context.Context, deployment types.DeploymentID, candidate types.IndexerCandidate, query types.Query, receipt receipts.Receipt) (types.Reply, error)
}

type Config struct {
	MaxAttempts int
	// AttemptTimeout bounds one attempt. It is clamped below Deadline.
	AttemptTimeout time.Duration
	// Deadline bounds a whole dispatch when the request sets none.
	Deadline time.Duration
	Charge   ChargePolicy
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		AttemptTimeout: 5 * time.Second,
		Deadline:       20 * time.Second,
		Charge:         ChargeOnAttempt,
	}
}

// Deps are the collaborators shared by every dispatch.
type Deps struct {
	Stats     *stats.Store
	Pricing   *pricing.Filter
	Policy    *selection.Policy
	Ledger    *receipts.Ledger
	Sender    Sender
	Telemetry telemetry.Recorder
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Controller runs one state machine per query. It is safe for concurrent use.
type Controller struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Controller {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.AttemptTimeout <= 0 || cfg.AttemptTimeout >= cfg.Deadline {
		cfg.AttemptTimeout = min(def.AttemptTimeout, cfg.Deadline/2)
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{cfg: cfg, deps: deps, logger: logger}
}

func (c *Controller) Config() Config {
	return c.cfg
}

// Request is one query to dispatch.
type Request struct {
	Deployment types.DeploymentID
	Candidates []types.IndexerCandidate
	Query      types.Query
	Budget     types.Fee
	// Deadline overrides the configured dispatch deadline when positive.
	Deadline time.Duration
}

// Result of a successful dispatch.
type Result struct {
	Response types.Response
	Charged  types.Fee
	Tried    []types.IndexerID
}

// State of a dispatch.
type State uint8

const (
	StateStart State = iota
	StateSelecting
	StateSending
	StateAwaiting
	StateRetrying
	StateSucceeded
	StateExhausted
	StateBudgetExceeded
	StateNoIndexers
	StateTimeout
	StateCanceled
)

var stateNames = [...]string{
	StateStart:          "start",
	StateSelecting:      "selecting",
	StateSending:        "sending",
	StateAwaiting:       "awaiting",
	StateRetrying:       "retrying",
	StateSucceeded:      "succeeded",
	StateExhausted:      "exhausted",
	StateBudgetExceeded: "budget_exceeded",
	StateNoIndexers:     "no_indexers",
	StateTimeout:        "timeout",
	StateCanceled:       "canceled",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) Terminal() bool {
	return s >= StateSucceeded
}

// run is the per-query state. It is owned by one goroutine.
type run struct {
	c        *Controller
	req      Request
	logger   *zap.Logger
	rng      *rand.Rand
	deadline time.Time

	priced   []types.PricedCandidate
	excluded selection.Exclusions
	current  types.PricedCandidate
	attempt  *receipts.Attempt

	attempts int
	charged  types.Fee
	tried    []types.IndexerID
	failures []AttemptFailure
	cause    error
	response types.Response
}

// Dispatch runs the query against the candidates until one indexer answers or a terminal
// condition is reached. Failed dispatches return a *DispatchError.
func (c *Controller) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if req.Query.ID == "" {
		req.Query.ID = uuid.NewString()
	}
	budget := req.Deadline
	if budget <= 0 {
		budget = c.cfg.Deadline
	}
	deadline := c.deps.Now().Add(budget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	r := &run{
		c:        c,
		req:      req,
		rng:      selection.NewRand(req.Query.ID),
		deadline: deadline,
		excluded: selection.Exclusions{},
		logger: c.logger.With(
			zap.String("query_id", req.Query.ID),
			zap.String("deployment", req.Deployment.String())),
	}

	state := StateStart
	for !state.Terminal() {
		next := r.step(ctx, state)
		r.logger.Debug("Dispatch transition",
			zap.Stringer("from", state),
			zap.Stringer("to", next))
		state = next
	}
	return r.finish(state)
}

func (r *run) step(ctx context.Context, state State) State {
	switch state {
	case StateStart:
		return r.start(ctx)
	case StateSelecting:
		return r.selecting(ctx)
	case StateSending:
		return r.sending()
	case StateAwaiting:
		return r.awaiting(ctx)
	case StateRetrying:
		return r.retrying(ctx)
	default:
		return state
	}
}

func (r *run) start(ctx context.Context) State {
	if len(r.req.Candidates) == 0 {
		return StateNoIndexers
	}
	quotes := r.c.deps.Pricing.Quote(ctx, r.req.Deployment, r.req.Candidates, r.req.Query)
	r.priced = quotes.Priced
	if quotes.Failed > 0 {
		r.logger.Debug("Some candidates could not be priced", zap.Int("failed", quotes.Failed))
	}
	return StateSelecting
}

func (r *run) selecting(ctx context.Context) State {
	if s, stop := r.interrupted(ctx); stop {
		return s
	}
	if r.attempts >= r.c.cfg.MaxAttempts {
		return StateExhausted
	}

	open := make([]types.PricedCandidate, 0, len(r.priced))
	ids := make([]types.IndexerID, 0, len(r.priced))
	for _, pc := range r.priced {
		if !r.excluded.Has(pc.Candidate.ID) {
			open = append(open, pc)
			ids = append(ids, pc.Candidate.ID)
		}
	}
	affordable, tooExpensive := pricing.Affordable(open, r.remaining())
	snapshots := r.c.deps.Stats.Snapshots(r.req.Deployment, ids)

	pick, ok := r.c.deps.Policy.Choose(affordable, snapshots, r.excluded, r.rng)
	if !ok {
		switch {
		case len(r.excluded) > 0:
			return StateExhausted
		case tooExpensive > 0:
			return StateBudgetExceeded
		default:
			return StateNoIndexers
		}
	}
	r.current = pick
	return StateSending
}

func (r *run) sending() State {
	candidate := r.current.Candidate
	attempt, err := r.c.deps.Ledger.Begin(r.req.Deployment, candidate, r.current.Fee)
	if err != nil {
		r.excluded.Add(candidate.ID)
		if errors.Is(err, receipts.ErrInsufficientCollateral) {
			r.logger.Debug("Skipping indexer without collateral headroom",
				zap.Stringer("indexer", candidate.ID),
				zap.Uint64("fee", uint64(r.current.Fee)))
			r.record(candidate.ID, r.current.Fee, 0, false, types.FailureCollateral, false, 0)
		} else {
			r.logger.Warn("Failed to issue receipt", zap.Stringer("indexer", candidate.ID), zap.Error(err))
		}
		return StateSelecting
	}
	r.attempt = attempt
	r.attempts++
	r.tried = append(r.tried, candidate.ID)
	return StateAwaiting
}

func (r *run) awaiting(ctx context.Context) State {
	attempt := r.attempt
	r.attempt = nil
	defer attempt.Release()

	candidate, fee := r.current.Candidate, r.current.Fee

	// the in-flight attempt survives client cancellation so its receipt is settled properly
	attemptDeadline := r.c.deps.Now().Add(r.c.cfg.AttemptTimeout)
	if r.deadline.Before(attemptDeadline) {
		attemptDeadline = r.deadline
	}
	actx, cancel := context.WithDeadline(context.WithoutCancel(ctx), attemptDeadline)
	defer cancel()

	start := r.c.deps.Now()
	reply, err := r.c.deps.Sender.Send(actx, r.req.Deployment, candidate, r.req.Query, attempt.Receipt())
	latency := r.c.deps.Now().Sub(start)

	if err == nil {
		attempt.Keep()
		r.charge(fee, true)
		r.c.deps.Stats.Observe(r.req.Deployment, candidate.ID, types.Succeeded(latency, fee, reply.BlocksBehind))
		r.record(candidate.ID, fee, latency, true, types.FailureNone, true, r.attempts)
		r.response = types.Response{
			Indexer:      candidate.ID,
			Fee:          fee,
			Body:         reply.Body,
			BlocksBehind: reply.BlocksBehind,
			Latency:      latency,
			Attempts:     r.attempts,
		}
		return StateSucceeded
	}

	class := types.ClassOf(err)
	if class == types.FailureThrottled {
		return r.throttled(attempt, candidate.ID, fee, err)
	}
	if class == types.FailureNone || class == types.FailureCollateral {
		class = types.FailureTransport
	}
	switch class {
	case types.FailureIndexer, types.FailureBadResponse:
		// the indexer answered, so under charge-on-attempt it keeps its receipt
		if r.c.cfg.Charge == ChargeOnAttempt {
			attempt.Keep()
		} else {
			attempt.Void()
		}
	default:
		attempt.Void()
	}
	r.charge(fee, false)
	r.c.deps.Stats.Observe(r.req.Deployment, candidate.ID, types.Failed(class, latency, fee))
	r.record(candidate.ID, fee, latency, false, class, attempt.Kept(), r.attempts)
	r.excluded.Add(candidate.ID)
	r.fail(candidate.ID, class, err)

	r.logger.Debug("Attempt failed",
		zap.Stringer("indexer", candidate.ID),
		zap.Int("attempt", r.attempts),
		zap.Stringer("class", class),
		zap.Duration("latency", latency),
		zap.Error(err))
	return StateRetrying
}

// throttled handles a request the gateway itself held back: like a collateral refusal it is
// neither an attempt nor a charge, and the indexer's statistics are left alone.
func (r *run) throttled(attempt *receipts.Attempt, indexer types.IndexerID, fee types.Fee, err error) State {
	attempt.Void()
	r.attempts--
	r.tried = r.tried[:len(r.tried)-1]
	r.excluded.Add(indexer)
	r.record(indexer, fee, 0, false, types.FailureThrottled, false, 0)
	r.logger.Debug("Indexer throttled by the gateway",
		zap.Stringer("indexer", indexer),
		zap.Error(err))
	return StateSelecting
}

func (r *run) retrying(ctx context.Context) State {
	if r.attempts >= r.c.cfg.MaxAttempts {
		return StateExhausted
	}
	if s, stop := r.interrupted(ctx); stop {
		return s
	}
	return StateSelecting
}

// interrupted reports whether the client went away or the dispatch deadline passed.
func (r *run) interrupted(ctx context.Context) (State, bool) {
	if err := ctx.Err(); err != nil {
		r.cause = err
		if errors.Is(err, context.DeadlineExceeded) {
			return StateTimeout, true
		}
		return StateCanceled, true
	}
	if !r.c.deps.Now().Before(r.deadline) {
		r.cause = context.DeadlineExceeded
		return StateTimeout, true
	}
	return 0, false
}

func (r *run) remaining() types.Fee {
	if r.charged >= r.req.Budget {
		return 0
	}
	return r.req.Budget - r.charged
}

func (r *run) charge(fee types.Fee, success bool) {
	if success || r.c.cfg.Charge == ChargeOnAttempt {
		r.charged += fee
	}
}

func (r *run) fail(indexer types.IndexerID, class types.FailureClass, err error) {
	failure := AttemptFailure{Indexer: indexer, Class: class}
	var ae *types.AttemptError
	if errors.As(err, &ae) && ae.Err != nil {
		failure.Message = ae.Err.Error()
	}
	r.failures = append(r.failures, failure)
	if len(r.failures) > maxTrail {
		r.failures = r.failures[len(r.failures)-maxTrail:]
	}
}

func (r *run) record(indexer types.IndexerID, fee types.Fee, latency time.Duration, success bool, class types.FailureClass, kept bool, attempt int) {
	r.c.deps.Telemetry.Record(telemetry.AttemptSummary{
		Timestamp:   r.c.deps.Now(),
		QueryID:     r.req.Query.ID,
		Deployment:  r.req.Deployment,
		Indexer:     indexer,
		Attempt:     attempt,
		Fee:         fee,
		Latency:     latency,
		Success:     success,
		Outcome:     class,
		ReceiptKept: kept,
	})
}

func (r *run) finish(state State) (*Result, error) {
	if state == StateSucceeded {
		r.logger.Debug("Query served",
			zap.Stringer("indexer", r.response.Indexer),
			zap.Int("attempts", r.attempts),
			zap.Uint64("charged", uint64(r.charged)))
		return &Result{Response: r.response, Charged: r.charged, Tried: r.tried}, nil
	}

	err := &DispatchError{
		Kind:       kindOf(state),
		Deployment: r.req.Deployment,
		QueryID:    r.req.Query.ID,
		Failures:   r.failures,
		Tried:      r.tried,
		Charged:    r.charged,
	}
	if state == StateTimeout || state == StateCanceled {
		err.Cause = r.cause
	}
	r.logger.Info("Query failed",
		zap.Stringer("state", state),
		zap.Int("attempts", r.attempts),
		zap.Uint64("charged", uint64(r.charged)))
	return nil, err
}

func kindOf(state State) error {
	switch state {
	case StateBudgetExceeded:
		return ErrBudgetExceeded
	case StateNoIndexers:
		return ErrNoIndexersAvailable
	case StateTimeout:
		return ErrTimeout
	case StateCanceled:
		return ErrCanceled
	default:
		return ErrExhausted
	}
}
