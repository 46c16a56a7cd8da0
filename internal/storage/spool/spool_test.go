package spool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/observability"
	"github.com/marketprism/marketprism/internal/schema"
)

func newSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := New(t.TempDir(), zerolog.Nop(), observability.NewMetrics("test"))
	require.NoError(t, err)
	return s
}

func record(t *testing.T, symbol string) *schema.Record {
	t.Helper()
	price, err := schema.NumberFromString("45000.50")
	require.NoError(t, err)
	qty, err := schema.NumberFromString("0.1")
	require.NoError(t, err)
	return &schema.Record{
		Timestamp:  time.UnixMilli(1672515782136).UTC(),
		Exchange:   schema.ExchangeBinance,
		MarketType: schema.MarketTypeSpot,
		Symbol:     symbol,
		DataType:   schema.DataTypeTrade,
		Payload: schema.TradePayload{
			TradeID: "12345", Price: price, Quantity: qty, Side: schema.SideBuy,
		},
	}
}

func TestWriteThenDrain(t *testing.T) {
	s := newSpool(t)
	require.NoError(t, s.Write("trades", []*schema.Record{record(t, "BTC-USDT"), record(t, "ETH-USDT")}))
	require.Equal(t, 1, s.Backlog())

	var drained []*schema.Record
	err := s.Drain(context.Background(), func(_ context.Context, recs []*schema.Record) (int, error) {
		drained = append(drained, recs...)
		return len(recs), nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, s.Backlog())
	require.Len(t, drained, 2)
	require.Equal(t, "BTC-USDT", drained[0].Symbol)
	require.Equal(t, "ETH-USDT", drained[1].Symbol)

	payload, ok := drained[0].Payload.(schema.TradePayload)
	require.True(t, ok)
	require.Equal(t, "45000.50", payload.Price.String())
}

func TestDrainOldestFirst(t *testing.T) {
	s := newSpool(t)
	base := time.Now()
	for i, symbol := range []string{"AAA-USDT", "BBB-USDT", "CCC-USDT"} {
		stamp := base.Add(time.Duration(i) * time.Second)
		s.now = func() time.Time { return stamp }
		require.NoError(t, s.Write("trades", []*schema.Record{record(t, symbol)}))
	}

	var order []string
	err := s.Drain(context.Background(), func(_ context.Context, recs []*schema.Record) (int, error) {
		order = append(order, recs[0].Symbol)
		return len(recs), nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"AAA-USDT", "BBB-USDT", "CCC-USDT"}, order)
}

func TestDrainStopsOnInsertFailure(t *testing.T) {
	s := newSpool(t)
	require.NoError(t, s.Write("trades", []*schema.Record{record(t, "BTC-USDT")}))
	require.NoError(t, s.Write("trades", []*schema.Record{record(t, "ETH-USDT")}))

	calls := 0
	err := s.Drain(context.Background(), func(context.Context, []*schema.Record) (int, error) {
		calls++
		return 0, errors.New("still down")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls, "a failed pass must stop at the first batch")
	require.Equal(t, 2, s.Backlog())
}

func TestDrainQuarantinesCorruptFile(t *testing.T) {
	s := newSpool(t)
	require.NoError(t, s.Write("trades", []*schema.Record{record(t, "BTC-USDT")}))
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "00000000000000000000-trades-bad.spool"), []byte("garbage"), 0o644))

	var drained int
	err := s.Drain(context.Background(), func(_ context.Context, recs []*schema.Record) (int, error) {
		drained += len(recs)
		return len(recs), nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, drained)
	require.Equal(t, 0, s.Backlog())

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Name(), ".corrupt")
}

func TestWriteFailsWhenFlushCannotReachDisk(t *testing.T) {
	s := newSpool(t)
	// A read-only descriptor makes the buffered flush fail the same way a
	// full disk does: the frames never reach the file.
	s.create = func(name string) (*os.File, error) {
		return os.OpenFile(name, os.O_RDONLY|os.O_CREATE, 0o644)
	}

	err := s.Write("trades", []*schema.Record{record(t, "BTC-USDT")})
	require.Error(t, err)
	require.Equal(t, 0, s.Backlog(), "a failed write must not leave a batch file behind")

	entries, rerr := os.ReadDir(s.dir)
	require.NoError(t, rerr)
	require.Empty(t, entries, "the temp file must be removed on failure")
}

func TestTableOf(t *testing.T) {
	require.Equal(t, "trades", tableOf("00000000000000000001-trades-abc.spool"))
	require.Equal(t, "funding_rates", tableOf("00000000000000000001-funding_rates-abc.spool"))
	require.Equal(t, "", tableOf("bogus.spool"))
}

func TestWriteEmptyBatchIsNoop(t *testing.T) {
	s := newSpool(t)
	require.NoError(t, s.Write("trades", nil))
	require.Equal(t, 0, s.Backlog())
}
