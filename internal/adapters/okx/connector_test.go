package okx

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/observability"
	"github.com/marketprism/marketprism/internal/orderbook"
	"github.com/marketprism/marketprism/internal/schema"
)

func newTestConnector(t *testing.T, marketType schema.MarketType) *Connector {
	t.Helper()
	metrics := observability.NewMetrics("test")
	return New(Config{MarketType: marketType}, NewRESTClient(testLimiter()), zerolog.Nop(), metrics)
}

func TestSubscriptionArgsSpot(t *testing.T) {
	c := newTestConnector(t, schema.MarketTypeSpot)
	require.NoError(t, c.Subscribe("BTC-USDT", schema.DataTypeTrade))
	require.NoError(t, c.Subscribe("BTC-USDT", schema.DataTypeOrderbook))

	require.Equal(t, []wsArg{
		{Channel: "books", InstID: "BTC-USDT"},
		{Channel: "trades", InstID: "BTC-USDT"},
	}, c.subscriptionArgs())
}

func TestSubscriptionArgsPerpetual(t *testing.T) {
	c := newTestConnector(t, schema.MarketTypePerpetual)
	require.NoError(t, c.Subscribe("BTC-USDT", schema.DataTypeTrade))
	require.NoError(t, c.Subscribe("BTC-USDT", schema.DataTypeLiquidation))
	require.NoError(t, c.Subscribe("ETH-USDT", schema.DataTypeLiquidation))

	args := c.subscriptionArgs()
	require.Equal(t, wsArg{Channel: "trades", InstID: "BTC-USDT-SWAP"}, args[0])
	// One shared liquidation-orders subscription regardless of symbol count.
	require.Equal(t, wsArg{Channel: "liquidation-orders", InstType: "SWAP"}, args[len(args)-1])
	require.Len(t, args, 2)
}

func TestSubscribeRejectsSpotDerivativeTypes(t *testing.T) {
	c := newTestConnector(t, schema.MarketTypeSpot)
	require.Error(t, c.Subscribe("BTC-USDT", schema.DataTypeFundingRate))
	require.Error(t, c.Subscribe("BTC-USDT", schema.DataTypeLiquidation))
	require.Error(t, c.Subscribe("BTC-USDT", schema.DataTypeVolatilityIndex))
}

func TestDeliverSnapshotWakesWaiter(t *testing.T) {
	c := newTestConnector(t, schema.MarketTypeSpot)

	ch := make(chan *BookSnapshot, 1)
	c.mu.Lock()
	c.waiters["BTC-USDT"] = ch
	c.mu.Unlock()

	snap := &BookSnapshot{Symbol: "BTC-USDT", SeqID: 42, Bids: []orderbook.Level{}}
	c.deliverSnapshot(snap)

	select {
	case got := <-ch:
		require.Equal(t, uint64(42), got.SeqID)
	default:
		t.Fatal("waiter was not delivered")
	}

	// A second snapshot with no registered waiter is dropped silently.
	c.deliverSnapshot(snap)
}
