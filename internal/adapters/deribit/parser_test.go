package deribit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/schema"
)

func TestParseVolatilityIndex(t *testing.T) {
	p := NewParser(schema.MarketTypeOptions)
	frame := []byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"deribit_volatility_index.btc_usd","data":{"timestamp":1672515782136,"volatility":51.38,"index_name":"btc_usd"}}}`)

	parsed, err := p.ParseFrame(frame, time.Now())
	require.NoError(t, err)
	require.Len(t, parsed.Records, 1)

	rec := parsed.Records[0]
	require.Equal(t, schema.ExchangeDeribit, rec.Exchange)
	require.Equal(t, schema.MarketTypeOptions, rec.MarketType)
	require.Equal(t, "BTC-USD", rec.Symbol)
	require.Equal(t, schema.DataTypeVolatilityIndex, rec.DataType)
	require.Equal(t, time.UnixMilli(1672515782136).UTC(), rec.Timestamp)

	vol := rec.Payload.(schema.VolatilityIndexPayload)
	require.Equal(t, "51.38", vol.IndexValue.String())
	require.Equal(t, "BTC", vol.UnderlyingAsset)
}

func TestParseTrades(t *testing.T) {
	p := NewParser(schema.MarketTypeOptions)
	frame := []byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"trades.BTC-27MAR26-60000-C.raw","data":[{"trade_id":"137657835","instrument_name":"BTC-27MAR26-60000-C","price":0.0515,"amount":5.2,"direction":"buy","timestamp":1672515782136}]}}`)

	parsed, err := p.ParseFrame(frame, time.Now())
	require.NoError(t, err)
	require.Len(t, parsed.Records, 1)

	rec := parsed.Records[0]
	require.Equal(t, "BTC-27MAR26-60000-C", rec.Symbol)
	require.Equal(t, schema.DataTypeTrade, rec.DataType)

	trade := rec.Payload.(schema.TradePayload)
	require.Equal(t, "137657835", trade.TradeID)
	require.Equal(t, "0.0515", trade.Price.String())
	require.Equal(t, "5.2", trade.Quantity.String())
	require.Equal(t, schema.SideBuy, trade.Side)
}

func TestParseBookSnapshotAndChange(t *testing.T) {
	p := NewParser(schema.MarketTypeOptions)
	received := time.Now().UTC()

	snap := []byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"book.BTC-PERPETUAL.raw","data":{"type":"snapshot","change_id":100,"instrument_name":"BTC-PERPETUAL","bids":[["new",42000.5,12.0]],"asks":[["new",42001.0,3.5]],"timestamp":1672515782136}}}`)
	parsed, err := p.ParseFrame(snap, received)
	require.NoError(t, err)
	require.NotNil(t, parsed.BookSnapshot)
	require.Nil(t, parsed.BookUpdate)
	require.Equal(t, uint64(100), parsed.BookSnapshot.ChangeID)
	require.Equal(t, "42000.5", parsed.BookSnapshot.Bids[0].Price.String())

	change := []byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"book.BTC-PERPETUAL.raw","data":{"type":"change","change_id":101,"prev_change_id":100,"instrument_name":"BTC-PERPETUAL","bids":[["delete",42000.5,0.0]],"asks":[["change",42001.0,4.0]],"timestamp":1672515782200}}}`)
	parsed, err = p.ParseFrame(change, received)
	require.NoError(t, err)
	require.NotNil(t, parsed.BookUpdate)
	require.Equal(t, uint64(100), parsed.BookUpdate.PrevSeqID)
	require.Equal(t, uint64(101), parsed.BookUpdate.FinalUpdateID)
	require.True(t, parsed.BookUpdate.Bids[0].Quantity.IsZero())
	require.Equal(t, "4.0", parsed.BookUpdate.Asks[0].Quantity.String())
}

func TestParseHeartbeat(t *testing.T) {
	p := NewParser(schema.MarketTypeOptions)

	parsed, err := p.ParseFrame([]byte(`{"jsonrpc":"2.0","method":"heartbeat","params":{"type":"test_request"}}`), time.Now())
	require.NoError(t, err)
	require.True(t, parsed.Control)
	require.True(t, parsed.TestRequest)

	parsed, err = p.ParseFrame([]byte(`{"jsonrpc":"2.0","method":"heartbeat","params":{"type":"heartbeat"}}`), time.Now())
	require.NoError(t, err)
	require.True(t, parsed.Control)
	require.False(t, parsed.TestRequest)
}

func TestParseRPCReplyAndError(t *testing.T) {
	p := NewParser(schema.MarketTypeOptions)

	parsed, err := p.ParseFrame([]byte(`{"jsonrpc":"2.0","id":3,"result":["book.BTC-PERPETUAL.raw"]}`), time.Now())
	require.NoError(t, err)
	require.True(t, parsed.Control)

	_, err = p.ParseFrame([]byte(`{"jsonrpc":"2.0","error":{"code":11050,"message":"bad_request"}}`), time.Now())
	require.Error(t, err)
}

func TestIndexNameRoundTrip(t *testing.T) {
	require.Equal(t, "btc_usd", indexName("BTC-USD"))

	underlying, symbol := splitIndexName("eth_usd")
	require.Equal(t, "ETH", underlying)
	require.Equal(t, "ETH-USD", symbol)
}
