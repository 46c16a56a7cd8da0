package orderbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/errs"
	"github.com/marketprism/marketprism/internal/schema"
)

func num(t *testing.T, s string) schema.Number {
	t.Helper()
	n, err := schema.NumberFromString(s)
	require.NoError(t, err)
	return n
}

func level(t *testing.T, price, qty string) Level {
	return Level{Price: num(t, price), Quantity: num(t, qty)}
}

func TestBinanceSnapshotThenInSequenceUpdates(t *testing.T) {
	book := NewBook(schema.ExchangeBinance, "BTC-USDT", SequenceBinance)
	require.Equal(t, StateUnsynced, book.State())

	book.MarkSnapshotPending()
	require.Equal(t, StateSnapshotPending, book.State())

	require.NoError(t, book.ApplySnapshot(100,
		[]Level{level(t, "99", "1"), level(t, "98", "2")},
		[]Level{level(t, "101", "1"), level(t, "102", "2")}))
	require.True(t, book.Synced())
	require.Equal(t, uint64(100), book.LastUpdateID())

	// U=99 <= 101 <= u=105 covers the boundary.
	applied, err := book.ApplyUpdate(Update{FirstUpdateID: 99, FinalUpdateID: 105,
		Bids: []Level{level(t, "99.5", "3")}})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, uint64(105), book.LastUpdateID())

	snap := book.Snapshot(10)
	require.Equal(t, "99.5", snap.BestBidPrice.String())
	require.Equal(t, "101", snap.BestAskPrice.String())
}

func TestBinanceGapInvalidates(t *testing.T) {
	book := NewBook(schema.ExchangeBinance, "BTC-USDT", SequenceBinance)
	require.NoError(t, book.ApplySnapshot(100, []Level{level(t, "99", "1")}, nil))

	_, err := book.ApplyUpdate(Update{FirstUpdateID: 105, FinalUpdateID: 110})
	require.Error(t, err)
	require.Equal(t, errs.KindProtocol, errs.KindOf(err))
	require.Equal(t, StateUnsynced, book.State())
}

func TestBinanceBufferedUpdatesReplayOnSnapshot(t *testing.T) {
	book := NewBook(schema.ExchangeBinance, "BTC-USDT", SequenceBinance)
	book.MarkSnapshotPending()

	// Buffered while the REST snapshot is in flight.
	for _, upd := range []Update{
		{FirstUpdateID: 95, FinalUpdateID: 99, Bids: []Level{level(t, "90", "5")}},
		{FirstUpdateID: 100, FinalUpdateID: 101, Bids: []Level{level(t, "99.9", "1")}},
		{FirstUpdateID: 102, FinalUpdateID: 103, Asks: []Level{level(t, "100.1", "2")}},
	} {
		applied, err := book.ApplyUpdate(upd)
		require.NoError(t, err)
		require.False(t, applied)
	}

	require.NoError(t, book.ApplySnapshot(100, []Level{level(t, "99", "1")}, []Level{level(t, "101", "1")}))
	require.True(t, book.Synced())
	// The u<=100 update was discarded, the rest were replayed in order.
	require.Equal(t, uint64(103), book.LastUpdateID())
	snap := book.Snapshot(10)
	require.Equal(t, "99.9", snap.BestBidPrice.String())
	require.Equal(t, "100.1", snap.BestAskPrice.String())
}

func TestOKXSequenceGapForcesResync(t *testing.T) {
	book := NewBook(schema.ExchangeOKX, "BTC-USDT", SequenceOKX)
	require.NoError(t, book.ApplySnapshot(100, []Level{level(t, "99", "1")}, []Level{level(t, "101", "1")}))

	applied, err := book.ApplyUpdate(Update{PrevSeqID: 100, FinalUpdateID: 101,
		Bids: []Level{level(t, "99.5", "1")}})
	require.NoError(t, err)
	require.True(t, applied)

	_, err = book.ApplyUpdate(Update{PrevSeqID: 105, FinalUpdateID: 106})
	require.Error(t, err)
	require.Equal(t, StateUnsynced, book.State())
}

func TestOKXChecksumMismatchInvalidates(t *testing.T) {
	book := NewBook(schema.ExchangeOKX, "BTC-USDT", SequenceOKX)
	require.NoError(t, book.ApplySnapshot(100, []Level{level(t, "99", "1")}, []Level{level(t, "101", "1")}))

	_, err := book.ApplyUpdate(Update{PrevSeqID: 100, FinalUpdateID: 101,
		Checksum: 12345, HasChecksum: true})
	require.Error(t, err)
	require.Equal(t, StateUnsynced, book.State())
}

func TestOKXChecksumMatchKeepsSync(t *testing.T) {
	book := NewBook(schema.ExchangeOKX, "BTC-USDT", SequenceOKX)
	bids := []Level{level(t, "99", "1")}
	asks := []Level{level(t, "101", "1")}
	require.NoError(t, book.ApplySnapshot(100, bids, asks))

	want := OKXChecksum(bids, asks)
	applied, err := book.ApplyUpdate(Update{PrevSeqID: 100, FinalUpdateID: 101,
		Checksum: want, HasChecksum: true})
	require.NoError(t, err)
	require.True(t, applied)
	require.True(t, book.Synced())
}

func TestQuantityZeroRemovesLevel(t *testing.T) {
	book := NewBook(schema.ExchangeBinance, "BTC-USDT", SequenceBinance)
	require.NoError(t, book.ApplySnapshot(1,
		[]Level{level(t, "99", "1"), level(t, "98", "1")}, nil))

	_, err := book.ApplyUpdate(Update{FirstUpdateID: 2, FinalUpdateID: 2,
		Bids: []Level{level(t, "99", "0")}})
	require.NoError(t, err)
	snap := book.Snapshot(10)
	require.Equal(t, "98", snap.BestBidPrice.String())
}

func TestEmptyAndOneSidedBooksStaySynced(t *testing.T) {
	book := NewBook(schema.ExchangeBinance, "BTC-USDT", SequenceBinance)
	require.NoError(t, book.ApplySnapshot(1, []Level{level(t, "99", "1")}, nil))
	require.True(t, book.Synced())

	// Remove the last remaining level; the empty book remains synced.
	_, err := book.ApplyUpdate(Update{FirstUpdateID: 2, FinalUpdateID: 2,
		Bids: []Level{level(t, "99", "0")}})
	require.NoError(t, err)
	require.True(t, book.Synced())
	bidDepth, askDepth := book.Depth()
	require.Zero(t, bidDepth)
	require.Zero(t, askDepth)
	snap := book.Snapshot(10)
	require.Empty(t, snap.Bids)
	require.Empty(t, snap.Asks)
}

func TestMonotonicUpdateIDsWhileSynced(t *testing.T) {
	book := NewBook(schema.ExchangeBinance, "BTC-USDT", SequenceBinance)
	require.NoError(t, book.ApplySnapshot(10, []Level{level(t, "99", "1")}, nil))

	prev := book.LastUpdateID()
	for i := uint64(11); i <= 20; i++ {
		applied, err := book.ApplyUpdate(Update{FirstUpdateID: i, FinalUpdateID: i})
		require.NoError(t, err)
		require.True(t, applied)
		require.Greater(t, book.LastUpdateID(), prev)
		prev = book.LastUpdateID()
	}
}

func TestDiscardStaleBuffer(t *testing.T) {
	book := NewBook(schema.ExchangeBinance, "BTC-USDT", SequenceBinance)
	now := time.Now()
	book.now = func() time.Time { return now }
	book.MarkSnapshotPending()

	_, err := book.ApplyUpdate(Update{FinalUpdateID: 1, Received: now.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = book.ApplyUpdate(Update{FinalUpdateID: 2, Received: now})
	require.NoError(t, err)

	require.Equal(t, 1, book.DiscardStaleBuffer())
	require.Len(t, book.buffer, 1)
}

func TestSideOrdering(t *testing.T) {
	bids := newSide(true)
	for _, l := range []Level{level(t, "98", "1"), level(t, "100", "1"), level(t, "99", "1")} {
		bids.set(l.Price, l.Quantity)
	}
	top := bids.top(3)
	require.Equal(t, "100", top[0].Price.String())
	require.Equal(t, "99", top[1].Price.String())
	require.Equal(t, "98", top[2].Price.String())

	asks := newSide(false)
	for _, l := range []Level{level(t, "102", "1"), level(t, "101", "1")} {
		asks.set(l.Price, l.Quantity)
	}
	best, ok := asks.best()
	require.True(t, ok)
	require.Equal(t, "101", best.Price.String())
}
