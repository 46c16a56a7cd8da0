// Package clickhouse persists canonical records into the hot store over the
// native protocol with an HTTP fallback.
package clickhouse

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/marketprism/marketprism/internal/schema"
)

// Tables maps every data type to its ClickHouse table.
var Tables = map[schema.DataType]string{
	schema.DataTypeTrade:           "trades",
	schema.DataTypeOrderbook:       "orderbooks",
	schema.DataTypeFundingRate:     "funding_rates",
	schema.DataTypeOpenInterest:    "open_interests",
	schema.DataTypeLiquidation:     "liquidations",
	schema.DataTypeLSRTopPosition:  "lsr_top_positions",
	schema.DataTypeLSRAllAccount:   "lsr_all_accounts",
	schema.DataTypeVolatilityIndex: "volatility_indices",
}

// columns lists the insert column order per table. The envelope columns come
// first and match across all eight tables.
var columns = map[string][]string{
	"trades":            {"timestamp", "exchange", "market_type", "symbol", "data_source", "trade_id", "price", "quantity", "side", "is_maker", "first_trade_id", "last_trade_id"},
	"orderbooks":        {"timestamp", "exchange", "market_type", "symbol", "data_source", "last_update_id", "best_bid_price", "best_ask_price", "bids", "asks"},
	"funding_rates":     {"timestamp", "exchange", "market_type", "symbol", "data_source", "funding_rate", "funding_time", "next_funding_time"},
	"open_interests":    {"timestamp", "exchange", "market_type", "symbol", "data_source", "open_interest", "open_interest_value"},
	"liquidations":      {"timestamp", "exchange", "market_type", "symbol", "data_source", "side", "price", "quantity"},
	"lsr_top_positions": {"timestamp", "exchange", "market_type", "symbol", "data_source", "long_position_ratio", "short_position_ratio", "period"},
	"lsr_all_accounts":  {"timestamp", "exchange", "market_type", "symbol", "data_source", "long_account_ratio", "short_account_ratio", "period"},
	"volatility_indices": {"timestamp", "exchange", "market_type", "symbol", "data_source", "index_value", "underlying_asset"},
}

// TableFor returns the table for a data type.
func TableFor(dataType schema.DataType) (string, bool) {
	table, ok := Tables[dataType]
	return table, ok
}

// Columns returns the insert column order for a table.
func Columns(table string) []string {
	return columns[table]
}

// rowArgs renders one record's column values in the table's insert order.
func rowArgs(rec *schema.Record) ([]any, error) {
	envelope := []any{rec.Timestamp, string(rec.Exchange), string(rec.MarketType), rec.Symbol, schema.DataSource}
	switch p := rec.Payload.(type) {
	case schema.TradePayload:
		return append(envelope,
			p.TradeID, p.Price.Decimal(), p.Quantity.Decimal(), string(p.Side), p.IsMaker,
			p.FirstTradeID, p.LastTradeID), nil
	case schema.OrderBookPayload:
		bids, err := json.Marshal(p.Bids)
		if err != nil {
			return nil, err
		}
		asks, err := json.Marshal(p.Asks)
		if err != nil {
			return nil, err
		}
		return append(envelope,
			p.LastUpdateID, p.BestBidPrice.Decimal(), p.BestAskPrice.Decimal(),
			string(bids), string(asks)), nil
	case schema.FundingRatePayload:
		return append(envelope, p.FundingRate.Decimal(), p.FundingTime, p.NextFundingTime), nil
	case schema.OpenInterestPayload:
		return append(envelope, p.OpenInterest.Decimal(), p.OpenInterestValue.Decimal()), nil
	case schema.LiquidationPayload:
		return append(envelope, string(p.Side), p.Price.Decimal(), p.Quantity.Decimal()), nil
	case schema.LSRTopPositionPayload:
		return append(envelope, p.LongPositionRatio.Decimal(), p.ShortPositionRatio.Decimal(), p.Period), nil
	case schema.LSRAllAccountPayload:
		return append(envelope, p.LongAccountRatio.Decimal(), p.ShortAccountRatio.Decimal(), p.Period), nil
	case schema.VolatilityIndexPayload:
		return append(envelope, p.IndexValue.Decimal(), p.UnderlyingAsset), nil
	default:
		return nil, fmt.Errorf("clickhouse: no table mapping for payload %T", rec.Payload)
	}
}
