package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubjectCanonicalForm(t *testing.T) {
	subject, err := Subject(DataTypeTrade, ExchangeBinance, MarketTypeSpot, "BTC-USDT")
	require.NoError(t, err)
	require.Equal(t, "trade.binance.spot.BTC-USDT", subject)

	subject, err = Subject(DataTypeVolatilityIndex, ExchangeDeribit, MarketTypeOptions, "BTC")
	require.NoError(t, err)
	require.Equal(t, "volatility_index.deribit.options.BTC", subject)
}

func TestSubjectRejectsOutOfSetComponents(t *testing.T) {
	_, err := Subject("ticker", ExchangeBinance, MarketTypeSpot, "BTC-USDT")
	require.Error(t, err)
	_, err = Subject(DataTypeTrade, "bitfinex", MarketTypeSpot, "BTC-USDT")
	require.Error(t, err)
	_, err = Subject(DataTypeTrade, ExchangeBinance, "margin", "BTC-USDT")
	require.Error(t, err)
	_, err = Subject(DataTypeTrade, ExchangeBinance, MarketTypeSpot, "")
	require.Error(t, err)
	_, err = Subject(DataTypeTrade, ExchangeBinance, MarketTypeSpot, "btc/usdt")
	require.Error(t, err)
}

func TestParseSubjectRoundTrip(t *testing.T) {
	dt, ex, mt, sym, err := ParseSubject("orderbook.okx.perpetual.BTC-USDT")
	require.NoError(t, err)
	require.Equal(t, DataTypeOrderbook, dt)
	require.Equal(t, ExchangeOKX, ex)
	require.Equal(t, MarketTypePerpetual, mt)
	require.Equal(t, "BTC-USDT", sym)

	_, _, _, _, err = ParseSubject("orderbook.okx.perpetual")
	require.Error(t, err)
}

func TestValidSubjectAdmitsOptionInstruments(t *testing.T) {
	require.True(t, ValidSubject("trade.deribit.options.BTC-27JUN25-50000-C"))
	require.False(t, ValidSubject("trade.deribit.options.btc"))
}
