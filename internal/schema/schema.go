// Package schema defines the canonical market-data record shared by every
// MarketPrism service: connectors normalise into it, the publisher routes it,
// and the storage tier persists it.
package schema

import (
	"time"
)

// DataSource is stamped on every canonical record.
const DataSource = "marketprism"

// DataType enumerates the eight categories of market data the system handles.
type DataType string

const (
	DataTypeOrderbook       DataType = "orderbook"
	DataTypeTrade           DataType = "trade"
	DataTypeFundingRate     DataType = "funding_rate"
	DataTypeOpenInterest    DataType = "open_interest"
	DataTypeLiquidation     DataType = "liquidation"
	DataTypeLSRTopPosition  DataType = "lsr_top_position"
	DataTypeLSRAllAccount   DataType = "lsr_all_account"
	DataTypeVolatilityIndex DataType = "volatility_index"
)

// DataTypes lists every data type in a stable order.
var DataTypes = []DataType{
	DataTypeOrderbook,
	DataTypeTrade,
	DataTypeFundingRate,
	DataTypeOpenInterest,
	DataTypeLiquidation,
	DataTypeLSRTopPosition,
	DataTypeLSRAllAccount,
	DataTypeVolatilityIndex,
}

// Valid reports whether the data type is one of the eight known categories.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeOrderbook, DataTypeTrade, DataTypeFundingRate, DataTypeOpenInterest,
		DataTypeLiquidation, DataTypeLSRTopPosition, DataTypeLSRAllAccount, DataTypeVolatilityIndex:
		return true
	}
	return false
}

// Exchange names a supported exchange, base name without venue suffixes.
type Exchange string

const (
	ExchangeBinance Exchange = "binance"
	ExchangeOKX     Exchange = "okx"
	ExchangeDeribit Exchange = "deribit"
)

// Valid reports whether the exchange is supported.
func (e Exchange) Valid() bool {
	switch e {
	case ExchangeBinance, ExchangeOKX, ExchangeDeribit:
		return true
	}
	return false
}

// MarketType identifies the trading-product category.
type MarketType string

const (
	MarketTypeSpot      MarketType = "spot"
	MarketTypePerpetual MarketType = "perpetual"
	MarketTypeOptions   MarketType = "options"
)

// Valid reports whether the market type is supported.
func (m MarketType) Valid() bool {
	switch m {
	case MarketTypeSpot, MarketTypePerpetual, MarketTypeOptions:
		return true
	}
	return false
}

// Side labels the aggressor direction of a trade or liquidation.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is buy or sell.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Record is the canonical envelope every normalised payload travels in.
type Record struct {
	Timestamp  time.Time
	Exchange   Exchange
	MarketType MarketType
	Symbol     string
	DataType   DataType
	Payload    Payload
}

// Payload is implemented by the eight per-type payload structs.
type Payload interface {
	dataType() DataType
}

// PriceLevel is a single (price, quantity) pair of an order book side.
type PriceLevel struct {
	Price    Number
	Quantity Number
}

// TradePayload carries one executed trade.
type TradePayload struct {
	TradeID      string `json:"trade_id"`
	Price        Number `json:"price"`
	Quantity     Number `json:"quantity"`
	Side         Side   `json:"side"`
	IsMaker      bool   `json:"is_maker"`
	FirstTradeID string `json:"first_trade_id,omitempty"`
	LastTradeID  string `json:"last_trade_id,omitempty"`
}

func (TradePayload) dataType() DataType { return DataTypeTrade }

// OrderBookPayload carries a full top-N book snapshot.
type OrderBookPayload struct {
	LastUpdateID uint64       `json:"last_update_id"`
	BestBidPrice Number       `json:"best_bid_price"`
	BestAskPrice Number       `json:"best_ask_price"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

func (OrderBookPayload) dataType() DataType { return DataTypeOrderbook }

// FundingRatePayload carries a perpetual funding rate observation.
type FundingRatePayload struct {
	FundingRate     Number    `json:"funding_rate"`
	FundingTime     time.Time `json:"funding_time"`
	NextFundingTime time.Time `json:"next_funding_time"`
}

func (FundingRatePayload) dataType() DataType { return DataTypeFundingRate }

// OpenInterestPayload carries an open-interest observation.
type OpenInterestPayload struct {
	OpenInterest      Number `json:"open_interest"`
	OpenInterestValue Number `json:"open_interest_value"`
}

func (OpenInterestPayload) dataType() DataType { return DataTypeOpenInterest }

// LiquidationPayload carries one forced liquidation.
type LiquidationPayload struct {
	Side     Side   `json:"side"`
	Price    Number `json:"price"`
	Quantity Number `json:"quantity"`
}

func (LiquidationPayload) dataType() DataType { return DataTypeLiquidation }

// LSRTopPositionPayload carries the long/short ratio of top trader positions.
type LSRTopPositionPayload struct {
	LongPositionRatio  Number `json:"long_position_ratio"`
	ShortPositionRatio Number `json:"short_position_ratio"`
	Period             string `json:"period"`
}

func (LSRTopPositionPayload) dataType() DataType { return DataTypeLSRTopPosition }

// LSRAllAccountPayload carries the long/short ratio across all accounts.
type LSRAllAccountPayload struct {
	LongAccountRatio  Number `json:"long_account_ratio"`
	ShortAccountRatio Number `json:"short_account_ratio"`
	Period            string `json:"period"`
}

func (LSRAllAccountPayload) dataType() DataType { return DataTypeLSRAllAccount }

// VolatilityIndexPayload carries a volatility index observation.
type VolatilityIndexPayload struct {
	IndexValue      Number `json:"index_value"`
	UnderlyingAsset string `json:"underlying_asset"`
}

func (VolatilityIndexPayload) dataType() DataType { return DataTypeVolatilityIndex }
