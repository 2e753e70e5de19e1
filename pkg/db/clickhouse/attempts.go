package clickhouse

import (
	"context"
	"fmt"
	"time"
)

// AttemptsTable stores one row per attempt sent to an indexer.
const AttemptsTable = "query_attempts"

// AttemptRow is the stored form of an attempt summary.
type AttemptRow struct {
	Timestamp  time.Time
	QueryID    string
	Deployment string
	Indexer    string
	Attempt    uint16
	Fee        uint64
	LatencyMs  float64
	Success    uint8
	Outcome    string
	Kept       uint8
}

// InitAttempts creates the attempts table. Rows expire after ttlDays.
func (c *Client) InitAttempts(ctx context.Context, ttlDays int) error {
	if ttlDays <= 0 {
		ttlDays = 30
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s %s (
			ts DateTime64(3),
			query_id String,
			deployment LowCardinality(String),
			indexer LowCardinality(String),
			attempt UInt16,
			fee UInt64,
			latency_ms Float64,
			success UInt8,
			outcome LowCardinality(String),
			receipt_kept UInt8
		)
		ENGINE = MergeTree
		PARTITION BY toDate(ts)
		ORDER BY (deployment, indexer, ts)
		TTL toDateTime(ts) + INTERVAL %d DAY`,
		c.Table(AttemptsTable), c.OnCluster(), ttlDays)
	return c.Exec(ctx, query)
}

// InsertAttempts writes rows in a single batch.
func (c *Client) InsertAttempts(ctx context.Context, rows []AttemptRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := c.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (ts, query_id, deployment, indexer, attempt, fee, latency_ms, success, outcome, receipt_kept)",
		c.Table(AttemptsTable)))
	if err != nil {
		return fmt.Errorf("prepare attempts batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(r.Timestamp, r.QueryID, r.Deployment, r.Indexer, r.Attempt,
			r.Fee, r.LatencyMs, r.Success, r.Outcome, r.Kept); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append attempt row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send attempts batch: %w", err)
	}
	return nil
}
