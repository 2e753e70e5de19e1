package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/canopy-network/gatewayx/pkg/retry"
	"go.uber.org/zap"
)

// AttemptSummary describes one attempt, or one collateral refusal, of a query.
type AttemptSummary struct {
	Timestamp  time.Time          `json:"ts"`
	QueryID    string             `json:"query_id"`
	Deployment types.DeploymentID `json:"deployment"`
	Indexer    types.IndexerID    `json:"indexer"`
	// Attempt is the 1-based attempt number, zero for refusals that never reached transport.
	Attempt     int                `json:"attempt"`
	Fee         types.Fee          `json:"fee"`
	Latency     time.Duration      `json:"latency"`
	Success     bool               `json:"success"`
	Outcome     types.FailureClass `json:"-"`
	ReceiptKept bool               `json:"receipt_kept"`
}

// OutcomeName is "success" or the failure class name.
func (s AttemptSummary) OutcomeName() string {
	if s.Success {
		return "success"
	}
	return s.Outcome.String()
}

// Recorder accepts attempt summaries. Implementations never block and never fail.
type Recorder interface {
	Record(AttemptSummary)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(AttemptSummary) {}

// Sink persists batches of summaries. Write must not keep the slice.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []AttemptSummary) error
}

// Config of the emitter.
type Config struct {
	// Buffer is the queue length; records beyond it are dropped.
	Buffer        int
	Batch         int
	FlushInterval time.Duration
	Retry         retry.Config
}

func DefaultConfig() Config {
	return Config{
		Buffer:        8192,
		Batch:         512,
		FlushInterval: time.Second,
		Retry:         retry.SinkConfig(),
	}
}

// Counters is a snapshot of emitter activity.
type Counters struct {
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
	Written  uint64 `json:"written"`
	Failed   uint64 `json:"failed"`
}

// Emitter queues summaries in memory and flushes them to sinks from a single goroutine.
type Emitter struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger
	queue  chan AttemptSummary

	recorded atomic.Uint64
	dropped  atomic.Uint64
	written  atomic.Uint64
	failed   atomic.Uint64
}

func NewEmitter(cfg Config, logger *zap.Logger, sinks ...Sink) *Emitter {
	def := DefaultConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = def.Retry
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		cfg:    cfg,
		sinks:  sinks,
		logger: logger,
		queue:  make(chan AttemptSummary, cfg.Buffer),
	}
}

// Record enqueues a summary, dropping it when the queue is full.
func (e *Emitter) Record(s AttemptSummary) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	select {
	case e.queue <- s:
		e.recorded.Add(1)
	default:
		if e.dropped.Add(1)%1000 == 1 {
			e.logger.Warn("Telemetry queue full, dropping attempt summaries",
				zap.Uint64("dropped_total", e.dropped.Load()))
		}
	}
}

// Run flushes until ctx is done, then drains what is queued and flushes it once more.
func (e *Emitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]AttemptSummary, 0, e.cfg.Batch)
	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case s := <-e.queue:
					batch = append(batch, s)
				default:
					break drain
				}
			}
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			e.flush(flushCtx, batch)
			cancel()
			return nil
		case s := <-e.queue:
			batch = append(batch, s)
			if len(batch) >= e.cfg.Batch {
				e.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (e *Emitter) flush(ctx context.Context, batch []AttemptSummary) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range e.sinks {
		err := retry.WithBackoff(ctx, e.cfg.Retry, e.logger, "telemetry_"+sink.Name(), func() error {
			return sink.Write(ctx, batch)
		})
		if err != nil {
			e.failed.Add(uint64(len(batch)))
			e.logger.Warn("Dropping telemetry batch",
				zap.String("sink", sink.Name()),
				zap.Int("size", len(batch)),
				zap.Error(err))
			continue
		}
		e.written.Add(uint64(len(batch)))
	}
}

// Counters returns the running totals. Written and Failed count per sink.
func (e *Emitter) Counters() Counters {
	return Counters{
		Recorded: e.recorded.Load(),
		Dropped:  e.dropped.Load(),
		Written:  e.written.Load(),
		Failed:   e.failed.Load(),
	}
}
