package schema

import "strings"

// quoteCurrencies are the quote-asset suffixes recognised when splitting a
// concatenated pair like BTCUSDT. Longer suffixes are tried first so BTCBUSD
// splits as BTC-BUSD, not BTCB-USD.
var quoteCurrencies = []string{
	"USDT", "USDC", "BUSD", "TUSD", "DAI",
	"BTC", "ETH", "BNB", "USD", "EUR", "GBP", "JPY",
}

// NormalizeSymbol converts an exchange symbol into canonical BASE-QUOTE form.
// Inputs already containing a dash pass through after the -SWAP suffix is
// stripped; concatenated pairs are split against the known quote-currency set.
// Strings that match neither pattern (Deribit option instruments, for example)
// are returned verbatim.
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	s = strings.TrimSuffix(s, "-SWAP")
	if strings.Contains(s, "-") {
		return s
	}
	for _, quote := range quoteCurrencies {
		if base, ok := strings.CutSuffix(s, quote); ok && base != "" {
			return base + "-" + quote
		}
	}
	return s
}

// IsCanonicalPair reports whether symbol matches the BASE-QUOTE pattern.
func IsCanonicalPair(symbol string) bool {
	base, quote, ok := strings.Cut(symbol, "-")
	if !ok || base == "" || quote == "" {
		return false
	}
	return isAlnumUpper(base) && isAlnumUpper(quote)
}

func isAlnumUpper(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
