package deribit

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/observability"
	"github.com/marketprism/marketprism/internal/schema"
)

func newTestConnector(t *testing.T) *Connector {
	t.Helper()
	return New(Config{}, zerolog.Nop(), observability.NewMetrics("test"))
}

func TestChannels(t *testing.T) {
	c := newTestConnector(t)
	require.NoError(t, c.Subscribe("BTC-PERPETUAL", schema.DataTypeTrade))
	require.NoError(t, c.Subscribe("BTC-PERPETUAL", schema.DataTypeOrderbook))
	require.NoError(t, c.Subscribe("BTC-USD", schema.DataTypeVolatilityIndex))

	require.Equal(t, []string{
		"book.BTC-PERPETUAL.raw",
		"trades.BTC-PERPETUAL.raw",
		"deribit_volatility_index.btc_usd",
	}, c.channels())
}

func TestOptionInstrumentPassesThrough(t *testing.T) {
	c := newTestConnector(t)
	require.NoError(t, c.Subscribe("BTC-27MAR26-60000-C", schema.DataTypeOrderbook))
	require.Equal(t, []string{"book.BTC-27MAR26-60000-C.raw"}, c.channels())
}

func TestSubscribeRejectsUnsupportedTypes(t *testing.T) {
	c := newTestConnector(t)
	require.Error(t, c.Subscribe("BTC-PERPETUAL", schema.DataTypeFundingRate))
	require.Error(t, c.Subscribe("BTC-PERPETUAL", schema.DataTypeLSRTopPosition))
}

func TestDeliverSnapshotWithoutWaiterIsDropped(t *testing.T) {
	c := newTestConnector(t)
	c.deliverSnapshot(&BookSnapshot{Symbol: "BTC-PERPETUAL", ChangeID: 7})

	ch := make(chan *BookSnapshot, 1)
	c.mu.Lock()
	c.waiters["BTC-PERPETUAL"] = ch
	c.mu.Unlock()
	c.deliverSnapshot(&BookSnapshot{Symbol: "BTC-PERPETUAL", ChangeID: 8})
	require.Equal(t, uint64(8), (<-ch).ChangeID)
}
