package telemetry

import (
	"context"
	"strconv"

	"github.com/canopy-network/gatewayx/pkg/db/clickhouse"
	"github.com/canopy-network/gatewayx/pkg/redis"
	"github.com/canopy-network/gatewayx/pkg/utils"
	"github.com/go-jose/go-jose/v4/json"
	"go.uber.org/zap"
)

// LogSink writes each summary as a structured debug line.
type LogSink struct {
	Logger *zap.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Write(_ context.Context, batch []AttemptSummary) error {
	for _, a := range batch {
		s.Logger.Debug("Query attempt",
			zap.String("query_id", a.QueryID),
			zap.String("deployment", a.Deployment.String()),
			zap.Stringer("indexer", a.Indexer),
			zap.Int("attempt", a.Attempt),
			zap.Uint64("fee", uint64(a.Fee)),
			zap.Duration("latency", a.Latency),
			zap.String("outcome", a.OutcomeName()),
			zap.Bool("receipt_kept", a.ReceiptKept))
	}
	return nil
}

// wireSummary is the JSON published to Redis subscribers.
type wireSummary struct {
	AttemptSummary
	Outcome   string  `json:"outcome"`
	LatencyMs float64 `json:"latency_ms"`
}

// RedisSink publishes each summary on its deployment channel and appends it to the capped
// attempts stream. Redis failures are logged by the client and never returned.
type RedisSink struct {
	Client *redis.Client
}

func (RedisSink) Name() string { return "redis" }

func (s RedisSink) Write(ctx context.Context, batch []AttemptSummary) error {
	for _, a := range batch {
		payload, err := json.Marshal(wireSummary{
			AttemptSummary: a,
			Outcome:        a.OutcomeName(),
			LatencyMs:      latencyMs(a),
		})
		if err != nil {
			return err
		}
		s.Client.Publish(ctx, redis.AttemptChannel(a.Deployment.String()), string(payload))
		s.Client.XAdd(ctx, redis.AttemptStream, map[string]interface{}{
			"query_id":   a.QueryID,
			"deployment": a.Deployment.String(),
			"indexer":    a.Indexer.Hex(),
			"attempt":    a.Attempt,
			"fee":        strconv.FormatUint(uint64(a.Fee), 10),
			"latency_ms": latencyMs(a),
			"outcome":    a.OutcomeName(),
		})
	}
	return nil
}

// AttemptStore is the storage side of the ClickHouse sink.
type AttemptStore interface {
	InsertAttempts(ctx context.Context, rows []clickhouse.AttemptRow) error
}

// ClickHouseSink batches summaries into the query_attempts table.
type ClickHouseSink struct {
	Store AttemptStore
}

func (ClickHouseSink) Name() string { return "clickhouse" }

func (s ClickHouseSink) Write(ctx context.Context, batch []AttemptSummary) error {
	rows := make([]clickhouse.AttemptRow, 0, len(batch))
	for _, a := range batch {
		rows = append(rows, clickhouse.AttemptRow{
			Timestamp:  a.Timestamp,
			QueryID:    a.QueryID,
			Deployment: a.Deployment.String(),
			Indexer:    a.Indexer.Hex(),
			Attempt:    uint16(a.Attempt),
			Fee:        uint64(a.Fee),
			LatencyMs:  latencyMs(a),
			Success:    utils.BoolToUInt8(a.Success),
			Outcome:    a.OutcomeName(),
			Kept:       utils.BoolToUInt8(a.ReceiptKept),
		})
	}
	return s.Store.InsertAttempts(ctx, rows)
}

func latencyMs(a AttemptSummary) float64 {
	return float64(a.Latency.Microseconds()) / 1000.0
}
