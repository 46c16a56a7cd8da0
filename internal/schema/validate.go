package schema

import (
	"fmt"
	"time"
)

const (
	maxRecordAge  = 24 * time.Hour
	maxRecordSkew = 5 * time.Minute
)

// Validate checks a canonical record against the schema rules: mandatory
// fields present, decimals strictly positive where required, side within the
// buy/sell set, and timestamp inside [now-24h, now+5m]. A non-nil error means
// the record must be rejected and counted, never published.
func Validate(rec *Record, now time.Time) error {
	if rec == nil {
		return fmt.Errorf("validate: nil record")
	}
	if !rec.Exchange.Valid() {
		return fmt.Errorf("validate: invalid exchange %q", rec.Exchange)
	}
	if !rec.MarketType.Valid() {
		return fmt.Errorf("validate: invalid market type %q", rec.MarketType)
	}
	if !rec.DataType.Valid() {
		return fmt.Errorf("validate: invalid data type %q", rec.DataType)
	}
	if rec.Symbol == "" {
		return fmt.Errorf("validate: empty symbol")
	}
	if rec.Timestamp.IsZero() {
		return fmt.Errorf("validate: missing timestamp")
	}
	if rec.Timestamp.Before(now.Add(-maxRecordAge)) {
		return fmt.Errorf("validate: timestamp %s older than 24h", FormatTimestamp(rec.Timestamp))
	}
	if rec.Timestamp.After(now.Add(maxRecordSkew)) {
		return fmt.Errorf("validate: timestamp %s in the future", FormatTimestamp(rec.Timestamp))
	}
	if rec.Payload == nil {
		return fmt.Errorf("validate: nil payload")
	}
	if rec.Payload.dataType() != rec.DataType {
		return fmt.Errorf("validate: payload type %s does not match %s", rec.Payload.dataType(), rec.DataType)
	}
	return validatePayload(rec.Payload)
}

func validatePayload(p Payload) error {
	switch v := p.(type) {
	case TradePayload:
		if v.TradeID == "" {
			return fmt.Errorf("validate: trade missing trade_id")
		}
		if !v.Price.Positive() {
			return fmt.Errorf("validate: trade price must be positive")
		}
		if !v.Quantity.Positive() {
			return fmt.Errorf("validate: trade quantity must be positive")
		}
		if !v.Side.Valid() {
			return fmt.Errorf("validate: trade side %q", v.Side)
		}
	case OrderBookPayload:
		if len(v.Bids) > 0 && len(v.Asks) > 0 && v.BestBidPrice.Cmp(v.BestAskPrice) >= 0 {
			return fmt.Errorf("validate: crossed book, best bid %s >= best ask %s",
				v.BestBidPrice, v.BestAskPrice)
		}
	case FundingRatePayload:
		if v.FundingRate.String() == "" {
			return fmt.Errorf("validate: missing funding_rate")
		}
	case OpenInterestPayload:
		if !v.OpenInterest.Positive() {
			return fmt.Errorf("validate: open_interest must be positive")
		}
	case LiquidationPayload:
		if !v.Side.Valid() {
			return fmt.Errorf("validate: liquidation side %q", v.Side)
		}
		if !v.Price.Positive() || !v.Quantity.Positive() {
			return fmt.Errorf("validate: liquidation price and quantity must be positive")
		}
	case LSRTopPositionPayload:
		if !v.LongPositionRatio.Positive() || !v.ShortPositionRatio.Positive() {
			return fmt.Errorf("validate: lsr_top_position ratios must be positive")
		}
	case LSRAllAccountPayload:
		if !v.LongAccountRatio.Positive() || !v.ShortAccountRatio.Positive() {
			return fmt.Errorf("validate: lsr_all_account ratios must be positive")
		}
	case VolatilityIndexPayload:
		if !v.IndexValue.Positive() {
			return fmt.Errorf("validate: index_value must be positive")
		}
		if v.UnderlyingAsset == "" {
			return fmt.Errorf("validate: missing underlying_asset")
		}
	}
	return nil
}
