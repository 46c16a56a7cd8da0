package clickhouse

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/schema"
)

func num(t *testing.T, s string) schema.Number {
	t.Helper()
	n, err := schema.NumberFromString(s)
	require.NoError(t, err)
	return n
}

func TestRowArgsMatchColumnOrder(t *testing.T) {
	payloads := map[schema.DataType]schema.Payload{
		schema.DataTypeTrade: schema.TradePayload{
			TradeID: "1", Price: num(t, "100"), Quantity: num(t, "2"), Side: schema.SideBuy,
		},
		schema.DataTypeOrderbook: schema.OrderBookPayload{
			LastUpdateID: 7,
			BestBidPrice: num(t, "99"), BestAskPrice: num(t, "101"),
			Bids: []schema.PriceLevel{{Price: num(t, "99"), Quantity: num(t, "1")}},
			Asks: []schema.PriceLevel{{Price: num(t, "101"), Quantity: num(t, "1")}},
		},
		schema.DataTypeFundingRate: schema.FundingRatePayload{FundingRate: num(t, "0.0001")},
		schema.DataTypeOpenInterest: schema.OpenInterestPayload{
			OpenInterest: num(t, "1000"), OpenInterestValue: num(t, "45000000"),
		},
		schema.DataTypeLiquidation: schema.LiquidationPayload{
			Side: schema.SideSell, Price: num(t, "100"), Quantity: num(t, "3"),
		},
		schema.DataTypeLSRTopPosition: schema.LSRTopPositionPayload{
			LongPositionRatio: num(t, "0.6"), ShortPositionRatio: num(t, "0.4"), Period: "5m",
		},
		schema.DataTypeLSRAllAccount: schema.LSRAllAccountPayload{
			LongAccountRatio: num(t, "0.55"), ShortAccountRatio: num(t, "0.45"), Period: "5m",
		},
		schema.DataTypeVolatilityIndex: schema.VolatilityIndexPayload{
			IndexValue: num(t, "51.38"), UnderlyingAsset: "BTC",
		},
	}

	for _, dt := range schema.DataTypes {
		payload, ok := payloads[dt]
		require.True(t, ok, "no payload sample for %s", dt)

		table, ok := TableFor(dt)
		require.True(t, ok, "no table for %s", dt)

		rec := tradeRecord()
		rec.DataType = dt
		rec.Payload = payload
		args, err := rowArgs(rec)
		require.NoError(t, err)
		require.Len(t, args, len(Columns(table)), "arity mismatch for %s", table)
	}
}

func TestRowArgsOrderbookMarshalsSides(t *testing.T) {
	rec := tradeRecord()
	rec.DataType = schema.DataTypeOrderbook
	rec.Payload = schema.OrderBookPayload{
		LastUpdateID: 42,
		BestBidPrice: num(t, "99.5"), BestAskPrice: num(t, "100.5"),
		Bids: []schema.PriceLevel{{Price: num(t, "99.5"), Quantity: num(t, "1.2")}},
		Asks: []schema.PriceLevel{{Price: num(t, "100.5"), Quantity: num(t, "0.8")}},
	}
	args, err := rowArgs(rec)
	require.NoError(t, err)

	bids, ok := args[8].(string)
	require.True(t, ok)
	require.Contains(t, bids, "99.5")
	asks, ok := args[9].(string)
	require.True(t, ok)
	require.Contains(t, asks, "0.8")
}

func TestRowArgsUnknownPayload(t *testing.T) {
	rec := tradeRecord()
	rec.Payload = nil
	_, err := rowArgs(rec)
	require.Error(t, err)
}

func TestTablesCoverAllDataTypes(t *testing.T) {
	require.Len(t, Tables, len(schema.DataTypes))
	for _, dt := range schema.DataTypes {
		table, ok := TableFor(dt)
		require.True(t, ok)
		require.NotEmpty(t, Columns(table))
	}
}
