// Package binance adapts Binance spot and derivatives market data to the
// canonical schema.
package binance

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/marketprism/marketprism/internal/orderbook"
	"github.com/marketprism/marketprism/internal/schema"
)

// Parser normalises Binance payloads into canonical records and book updates.
type Parser struct {
	marketType schema.MarketType
}

// NewParser creates a parser bound to one market type.
func NewParser(marketType schema.MarketType) *Parser {
	return &Parser{marketType: marketType}
}

// Parsed is the outcome of one websocket frame: zero or more canonical
// records, plus at most one incremental book update routed to the book's loop.
type Parsed struct {
	Records    []*schema.Record
	BookSymbol string
	BookUpdate *orderbook.Update
}

// ParseFrame decodes a combined-stream frame. Unknown event types return an
// error so the caller can count and drop them.
func (p *Parser) ParseFrame(frame []byte, receivedAt time.Time) (*Parsed, error) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("binance: decode frame: %w", err)
	}
	data := envelope.Data
	if len(data) == 0 {
		data = frame
	}

	var header struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("binance: decode event header: %w", err)
	}

	switch header.Event {
	case "trade":
		return p.parseTrade(data)
	case "aggTrade":
		return p.parseAggTrade(data)
	case "depthUpdate":
		return p.parseDepthUpdate(data, receivedAt)
	case "forceOrder":
		return p.parseForceOrder(data)
	default:
		return nil, fmt.Errorf("binance: unsupported event %q", header.Event)
	}
}

// parseTrade maps the spot trade stream: s→symbol, t→trade_id, p→price,
// q→quantity, T→timestamp, m=true means the buyer was the maker, so the
// aggressor sold.
func (p *Parser) parseTrade(data []byte) (*Parsed, error) {
	var evt tradeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("binance: decode trade: %w", err)
	}
	price, err := schema.NumberFromString(evt.Price)
	if err != nil {
		return nil, fmt.Errorf("binance: trade price: %w", err)
	}
	qty, err := schema.NumberFromString(evt.Quantity)
	if err != nil {
		return nil, fmt.Errorf("binance: trade quantity: %w", err)
	}
	side := schema.SideBuy
	if evt.BuyerIsMaker {
		side = schema.SideSell
	}
	rec := &schema.Record{
		Timestamp:  time.UnixMilli(evt.TradeTime).UTC(),
		Exchange:   schema.ExchangeBinance,
		MarketType: p.marketType,
		Symbol:     schema.NormalizeSymbol(evt.Symbol),
		DataType:   schema.DataTypeTrade,
		Payload: schema.TradePayload{
			TradeID:  strconv.FormatInt(evt.TradeID, 10),
			Price:    price,
			Quantity: qty,
			Side:     side,
			IsMaker:  evt.BuyerIsMaker,
		},
	}
	return &Parsed{Records: []*schema.Record{rec}}, nil
}

// parseAggTrade maps the derivatives aggTrade stream: a→trade_id with f/l
// preserved as the first/last constituent trade ids.
func (p *Parser) parseAggTrade(data []byte) (*Parsed, error) {
	var evt aggTradeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("binance: decode aggTrade: %w", err)
	}
	price, err := schema.NumberFromString(evt.Price)
	if err != nil {
		return nil, fmt.Errorf("binance: aggTrade price: %w", err)
	}
	qty, err := schema.NumberFromString(evt.Quantity)
	if err != nil {
		return nil, fmt.Errorf("binance: aggTrade quantity: %w", err)
	}
	side := schema.SideBuy
	if evt.BuyerIsMaker {
		side = schema.SideSell
	}
	rec := &schema.Record{
		Timestamp:  time.UnixMilli(evt.TradeTime).UTC(),
		Exchange:   schema.ExchangeBinance,
		MarketType: p.marketType,
		Symbol:     schema.NormalizeSymbol(evt.Symbol),
		DataType:   schema.DataTypeTrade,
		Payload: schema.TradePayload{
			TradeID:      strconv.FormatInt(evt.AggTradeID, 10),
			Price:        price,
			Quantity:     qty,
			Side:         side,
			IsMaker:      evt.BuyerIsMaker,
			FirstTradeID: strconv.FormatInt(evt.FirstTradeID, 10),
			LastTradeID:  strconv.FormatInt(evt.LastTradeID, 10),
		},
	}
	return &Parsed{Records: []*schema.Record{rec}}, nil
}

func (p *Parser) parseDepthUpdate(data []byte, receivedAt time.Time) (*Parsed, error) {
	var evt depthUpdateEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("binance: decode depthUpdate: %w", err)
	}
	bids, err := parseLevels(evt.Bids)
	if err != nil {
		return nil, fmt.Errorf("binance: depth bids: %w", err)
	}
	asks, err := parseLevels(evt.Asks)
	if err != nil {
		return nil, fmt.Errorf("binance: depth asks: %w", err)
	}
	return &Parsed{
		BookSymbol: schema.NormalizeSymbol(evt.Symbol),
		BookUpdate: &orderbook.Update{
			FirstUpdateID: evt.FirstUpdateID,
			FinalUpdateID: evt.FinalUpdateID,
			Bids:          bids,
			Asks:          asks,
			Received:      receivedAt,
		},
	}, nil
}

func (p *Parser) parseForceOrder(data []byte) (*Parsed, error) {
	var evt forceOrderEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("binance: decode forceOrder: %w", err)
	}
	price, err := schema.NumberFromString(evt.Order.Price)
	if err != nil {
		return nil, fmt.Errorf("binance: liquidation price: %w", err)
	}
	qty, err := schema.NumberFromString(evt.Order.Quantity)
	if err != nil {
		return nil, fmt.Errorf("binance: liquidation quantity: %w", err)
	}
	side := schema.Side(strings.ToLower(evt.Order.Side))
	if !side.Valid() {
		return nil, fmt.Errorf("binance: liquidation side %q", evt.Order.Side)
	}
	rec := &schema.Record{
		Timestamp:  time.UnixMilli(evt.Order.TradeTime).UTC(),
		Exchange:   schema.ExchangeBinance,
		MarketType: p.marketType,
		Symbol:     schema.NormalizeSymbol(evt.Order.Symbol),
		DataType:   schema.DataTypeLiquidation,
		Payload: schema.LiquidationPayload{
			Side:     side,
			Price:    price,
			Quantity: qty,
		},
	}
	return &Parsed{Records: []*schema.Record{rec}}, nil
}

// ParseDepthSnapshot decodes the REST depth snapshot body.
func ParseDepthSnapshot(body []byte) (uint64, []orderbook.Level, []orderbook.Level, error) {
	var snap struct {
		LastUpdateID uint64      `json:"lastUpdateId"`
		Bids         [][2]string `json:"bids"`
		Asks         [][2]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return 0, nil, nil, fmt.Errorf("binance: decode depth snapshot: %w", err)
	}
	bids, err := parseLevels(snap.Bids)
	if err != nil {
		return 0, nil, nil, err
	}
	asks, err := parseLevels(snap.Asks)
	if err != nil {
		return 0, nil, nil, err
	}
	return snap.LastUpdateID, bids, asks, nil
}

func parseLevels(raw [][2]string) ([]orderbook.Level, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]orderbook.Level, 0, len(raw))
	for _, pair := range raw {
		price, err := schema.NumberFromString(pair[0])
		if err != nil {
			return nil, err
		}
		qty, err := schema.NumberFromString(pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, orderbook.Level{Price: price, Quantity: qty})
	}
	return out, nil
}

type tradeEvent struct {
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

type aggTradeEvent struct {
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

type depthUpdateEvent struct {
	Symbol        string      `json:"s"`
	FirstUpdateID uint64      `json:"U"`
	FinalUpdateID uint64      `json:"u"`
	Bids          [][2]string `json:"b"`
	Asks          [][2]string `json:"a"`
}

type forceOrderEvent struct {
	Order struct {
		Symbol    string `json:"s"`
		Side      string `json:"S"`
		Price     string `json:"p"`
		Quantity  string `json:"q"`
		TradeTime int64  `json:"T"`
	} `json:"o"`
}
