package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/gatewayx/pkg/gateway/types"
	"github.com/canopy-network/gatewayx/pkg/retry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var indexerA = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type memorySink struct {
	mu      sync.Mutex
	batches [][]AttemptSummary
	fail    int
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Write(_ context.Context, batch []AttemptSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return errors.New("sink unavailable")
	}
	m.batches = append(m.batches, append([]AttemptSummary(nil), batch...))
	return nil
}

func (m *memorySink) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func summary(queryID string) AttemptSummary {
	return AttemptSummary{
		QueryID:    queryID,
		Deployment: "QmTelemetry",
		Indexer:    indexerA,
		Attempt:    1,
		Fee:        5,
		Latency:    12 * time.Millisecond,
		Success:    true,
	}
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func TestRecordNeverBlocks(t *testing.T) {
	e := NewEmitter(Config{Buffer: 2, Batch: 10, FlushInterval: time.Hour}, zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			e.Record(summary("q"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked with a full queue")
	}
	c := e.Counters()
	assert.Equal(t, uint64(2), c.Recorded)
	assert.Equal(t, uint64(98), c.Dropped)
}

func TestRunFlushesFullBatches(t *testing.T) {
	sink := &memorySink{}
	e := NewEmitter(Config{Buffer: 100, Batch: 3, FlushInterval: time.Hour, Retry: fastRetry()}, zaptest.NewLogger(t), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	for i := 0; i < 6; i++ {
		e.Record(summary("q"))
	}
	require.Eventually(t, func() bool { return sink.total() == 6 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Len(t, sink.batches, 2)
}

func TestRunFlushesOnInterval(t *testing.T) {
	sink := &memorySink{}
	e := NewEmitter(Config{Buffer: 100, Batch: 100, FlushInterval: 10 * time.Millisecond, Retry: fastRetry()}, zaptest.NewLogger(t), sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Run(ctx) }()

	e.Record(summary("q"))
	require.Eventually(t, func() bool { return sink.total() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRunDrainsOnShutdown(t *testing.T) {
	sink := &memorySink{}
	e := NewEmitter(Config{Buffer: 100, Batch: 100, FlushInterval: time.Hour, Retry: fastRetry()}, zaptest.NewLogger(t), sink)

	for i := 0; i < 5; i++ {
		e.Record(summary("q"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.Run(ctx))

	assert.Equal(t, 5, sink.total())
	assert.Equal(t, uint64(5), e.Counters().Written)
}

func TestFlushRetriesAndCountsFailures(t *testing.T) {
	flaky := &memorySink{fail: 2}
	broken := &memorySink{fail: 100}
	e := NewEmitter(Config{Retry: fastRetry()}, zaptest.NewLogger(t), flaky, broken)

	e.flush(context.Background(), []AttemptSummary{summary("a"), summary("b")})

	assert.Equal(t, 2, flaky.total())
	assert.Equal(t, 0, broken.total())
	c := e.Counters()
	assert.Equal(t, uint64(2), c.Written)
	assert.Equal(t, uint64(2), c.Failed)
}

func TestOutcomeName(t *testing.T) {
	s := summary("q")
	assert.Equal(t, "success", s.OutcomeName())
	s.Success = false
	s.Outcome = types.FailureTimeout
	assert.Equal(t, "timeout", s.OutcomeName())
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.Record(summary("q"))
}
