package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeSymbolConcatenatedPairs(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":  "BTC-USDT",
		"ETHUSDC":  "ETH-USDC",
		"ETHBTC":   "ETH-BTC",
		"BTCBUSD":  "BTC-BUSD",
		"DOGEUSDT": "DOGE-USDT",
		"BNBEUR":   "BNB-EUR",
		"btcusdt":  "BTC-USDT",
	}
	for raw, want := range cases {
		require.Equal(t, want, NormalizeSymbol(raw), "input %q", raw)
	}
}

func TestNormalizeSymbolIdempotent(t *testing.T) {
	require.Equal(t, "BTC-USDT", NormalizeSymbol("BTC-USDT"))
	require.Equal(t, "BTC-USDT", NormalizeSymbol("BTC-USDT-SWAP"))
	require.Equal(t, "BTC-USDT", NormalizeSymbol(NormalizeSymbol("BTCUSDT")))
}

func TestNormalizeSymbolPassesThroughUnknownForms(t *testing.T) {
	// Deribit option instruments keep their native id.
	require.Equal(t, "BTC-27JUN25-50000-C", NormalizeSymbol("BTC-27JUN25-50000-C"))
	require.Equal(t, "XYZ", NormalizeSymbol("XYZ"))
	require.Equal(t, "", NormalizeSymbol("  "))
}

func TestIsCanonicalPair(t *testing.T) {
	require.True(t, IsCanonicalPair("BTC-USDT"))
	require.False(t, IsCanonicalPair("BTCUSDT"))
	require.False(t, IsCanonicalPair("-USDT"))
	require.False(t, IsCanonicalPair("btc-usdt"))
}
