package orderbook

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/observability"
	"github.com/marketprism/marketprism/internal/schema"
)

func testManager(t *testing.T, fetch SnapshotFetcher, mode SequenceMode) *Manager {
	t.Helper()
	cfg := Config{
		Exchange:     schema.ExchangeOKX,
		MarketType:   schema.MarketTypePerpetual,
		Mode:         mode,
		Depth:        50,
		EmitInterval: 20 * time.Millisecond,
		Fetch:        fetch,
	}
	log := observability.NewLogger("test", "disabled")
	return NewManager(cfg, log, observability.NewMetrics("test"))
}

func waitRecord(t *testing.T, out <-chan *schema.Record) *schema.Record {
	t.Helper()
	select {
	case rec := <-out:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot record")
		return nil
	}
}

func TestManagerEmitsSnapshotsWhileSynced(t *testing.T) {
	fetch := func(ctx context.Context, symbol string) (uint64, []Level, []Level, error) {
		return 100, []Level{level(t, "99", "1")}, []Level{level(t, "101", "1")}, nil
	}
	m := testManager(t, fetch, SequenceOKX)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Track(ctx, "BTC-USDT")

	require.NoError(t, m.Submit(ctx, "BTC-USDT", Update{
		PrevSeqID: 100, FinalUpdateID: 101,
		Bids: []Level{level(t, "99.5", "2")},
	}))

	rec := waitRecord(t, m.Out())
	require.Equal(t, schema.DataTypeOrderbook, rec.DataType)
	require.Equal(t, schema.ExchangeOKX, rec.Exchange)
	require.Equal(t, "BTC-USDT", rec.Symbol)
	payload := rec.Payload.(schema.OrderBookPayload)
	require.NotZero(t, payload.LastUpdateID)

	cancel()
	m.Close()
}

func TestManagerResyncsAfterGap(t *testing.T) {
	var snapshots atomic.Int64
	fetch := func(ctx context.Context, symbol string) (uint64, []Level, []Level, error) {
		snapshots.Add(1)
		return 100, []Level{level(t, "99", "1")}, []Level{level(t, "101", "1")}, nil
	}
	m := testManager(t, fetch, SequenceOKX)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Track(ctx, "BTC-USDT")

	// Wait for the initial sync.
	require.Eventually(t, func() bool { return snapshots.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)

	// prevSeqId 105 != 100: gap, which must force a second snapshot.
	require.NoError(t, m.Submit(ctx, "BTC-USDT", Update{PrevSeqID: 105, FinalUpdateID: 106}))
	require.Eventually(t, func() bool { return snapshots.Load() >= 2 },
		5*time.Second, 10*time.Millisecond)

	cancel()
	m.Close()
}

func TestResyncAllForcesFreshSnapshot(t *testing.T) {
	var snapshots atomic.Int64
	fetch := func(ctx context.Context, symbol string) (uint64, []Level, []Level, error) {
		snapshots.Add(1)
		return 100, []Level{level(t, "99", "1")}, []Level{level(t, "101", "1")}, nil
	}
	m := testManager(t, fetch, SequenceOKX)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Track(ctx, "BTC-USDT")

	require.Eventually(t, func() bool { return snapshots.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)

	// A reconnect re-seeds every book even though no sequence gap was seen.
	m.ResyncAll()
	require.Eventually(t, func() bool { return snapshots.Load() >= 2 },
		5*time.Second, 10*time.Millisecond)

	cancel()
	m.Close()
}

func TestSubmitKeepsFlowingDuringSlowSnapshot(t *testing.T) {
	release := make(chan struct{})
	fetch := func(ctx context.Context, symbol string) (uint64, []Level, []Level, error) {
		select {
		case <-release:
			return 100, []Level{level(t, "99", "1")}, []Level{level(t, "101", "1")}, nil
		case <-ctx.Done():
			return 0, nil, nil, ctx.Err()
		}
	}
	m := testManager(t, fetch, SequenceOKX)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Track(ctx, "BTC-USDT")

	// More updates than the loop channel holds. They must keep draining
	// into the book buffer while the snapshot is still in flight.
	submitCtx, submitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer submitCancel()
	for i := uint64(0); i < 600; i++ {
		require.NoError(t, m.Submit(submitCtx, "BTC-USDT", Update{
			PrevSeqID: 100 + i, FinalUpdateID: 101 + i,
		}))
	}

	close(release)
	rec := waitRecord(t, m.Out())
	require.Equal(t, "BTC-USDT", rec.Symbol)

	cancel()
	m.Close()
}

func TestManagerTrackIsIdempotent(t *testing.T) {
	fetch := func(ctx context.Context, symbol string) (uint64, []Level, []Level, error) {
		return 1, nil, nil, nil
	}
	m := testManager(t, fetch, SequenceBinance)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Track(ctx, "BTC-USDT")
	m.Track(ctx, "BTC-USDT")
	m.mu.Lock()
	require.Len(t, m.books, 1)
	m.mu.Unlock()
	cancel()
	m.Close()
}
