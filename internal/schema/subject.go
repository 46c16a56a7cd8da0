package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// subjectPattern is the strict form every published subject must match.
var subjectPattern = regexp.MustCompile(
	`^(orderbook|trade|funding_rate|open_interest|liquidation|lsr_top_position|lsr_all_account|volatility_index)\.` +
		`(binance|okx|deribit)\.(spot|perpetual|options)\.[A-Z0-9]+(-[A-Z0-9]+)*$`)

// Subject derives the canonical NATS subject for a record's coordinates.
// It returns an error when any component falls outside the canonical sets,
// so a malformed record can never produce a publishable subject.
func Subject(dataType DataType, exchange Exchange, marketType MarketType, symbol string) (string, error) {
	if !dataType.Valid() {
		return "", fmt.Errorf("subject: unknown data type %q", dataType)
	}
	if !exchange.Valid() {
		return "", fmt.Errorf("subject: unknown exchange %q", exchange)
	}
	if !marketType.Valid() {
		return "", fmt.Errorf("subject: unknown market type %q", marketType)
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", fmt.Errorf("subject: empty symbol")
	}
	subject := string(dataType) + "." + string(exchange) + "." + string(marketType) + "." + symbol
	if !subjectPattern.MatchString(subject) {
		return "", fmt.Errorf("subject: %q does not match canonical form", subject)
	}
	return subject, nil
}

// RecordSubject derives the subject for a canonical record.
func RecordSubject(rec *Record) (string, error) {
	return Subject(rec.DataType, rec.Exchange, rec.MarketType, rec.Symbol)
}

// ParseSubject splits a canonical subject back into its components.
func ParseSubject(subject string) (DataType, Exchange, MarketType, string, error) {
	if !subjectPattern.MatchString(subject) {
		return "", "", "", "", fmt.Errorf("subject: %q does not match canonical form", subject)
	}
	parts := strings.SplitN(subject, ".", 4)
	return DataType(parts[0]), Exchange(parts[1]), MarketType(parts[2]), parts[3], nil
}

// ValidSubject reports whether subject matches the canonical pattern.
func ValidSubject(subject string) bool { return subjectPattern.MatchString(subject) }
