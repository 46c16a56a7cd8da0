// Package deribit adapts Deribit derivatives data (options books, trades,
// volatility indices) to the canonical schema via the JSON-RPC v2 websocket.
package deribit

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/marketprism/marketprism/internal/orderbook"
	"github.com/marketprism/marketprism/internal/schema"
)

// Parser normalises Deribit subscription notifications. Deribit encodes
// prices and amounts as JSON numbers, so fields decode through json.Number to
// keep the exchange's textual form intact.
type Parser struct {
	marketType schema.MarketType
}

// NewParser creates a parser bound to one market type.
func NewParser(marketType schema.MarketType) *Parser {
	return &Parser{marketType: marketType}
}

// BookSnapshot is a type=snapshot book notification.
type BookSnapshot struct {
	Symbol   string
	ChangeID uint64
	Bids     []orderbook.Level
	Asks     []orderbook.Level
}

// Parsed is the outcome of one websocket frame.
type Parsed struct {
	Records      []*schema.Record
	BookSymbol   string
	BookUpdate   *orderbook.Update
	BookSnapshot *BookSnapshot
	// Control marks RPC responses and heartbeat notifications.
	Control bool
	// TestRequest is set when the exchange expects a public/test reply.
	TestRequest bool
}

type rpcFrame struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Error  *rpcError       `json:"error"`
	Params json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ParseFrame decodes one frame: subscription data, heartbeat, or RPC reply.
func (p *Parser) ParseFrame(frame []byte, receivedAt time.Time) (*Parsed, error) {
	var f rpcFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, fmt.Errorf("deribit: decode frame: %w", err)
	}
	if f.Error != nil {
		return nil, fmt.Errorf("deribit: rpc error %d: %s", f.Error.Code, f.Error.Message)
	}
	if f.ID != nil {
		return &Parsed{Control: true}, nil
	}

	switch f.Method {
	case "heartbeat":
		var params struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(f.Params, &params); err != nil {
			return nil, fmt.Errorf("deribit: decode heartbeat: %w", err)
		}
		return &Parsed{Control: true, TestRequest: params.Type == "test_request"}, nil
	case "subscription":
	default:
		return nil, fmt.Errorf("deribit: unsupported method %q", f.Method)
	}

	var sub struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(f.Params, &sub); err != nil {
		return nil, fmt.Errorf("deribit: decode subscription: %w", err)
	}
	switch {
	case strings.HasPrefix(sub.Channel, "trades."):
		return p.parseTrades(sub.Data)
	case strings.HasPrefix(sub.Channel, "book."):
		return p.parseBook(sub.Data, receivedAt)
	case strings.HasPrefix(sub.Channel, "deribit_volatility_index."):
		return p.parseVolatilityIndex(sub.Data)
	default:
		return nil, fmt.Errorf("deribit: unsupported channel %q", sub.Channel)
	}
}

func (p *Parser) parseTrades(data []byte) (*Parsed, error) {
	var rows []struct {
		TradeID    string      `json:"trade_id"`
		Instrument string      `json:"instrument_name"`
		Price      json.Number `json:"price"`
		Amount     json.Number `json:"amount"`
		Direction  string      `json:"direction"`
		Timestamp  int64       `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("deribit: decode trades: %w", err)
	}
	out := &Parsed{}
	for _, row := range rows {
		price, err := schema.NumberFromString(row.Price.String())
		if err != nil {
			return nil, fmt.Errorf("deribit: trade price: %w", err)
		}
		qty, err := schema.NumberFromString(row.Amount.String())
		if err != nil {
			return nil, fmt.Errorf("deribit: trade amount: %w", err)
		}
		side := schema.Side(row.Direction)
		if !side.Valid() {
			return nil, fmt.Errorf("deribit: trade direction %q", row.Direction)
		}
		out.Records = append(out.Records, &schema.Record{
			Timestamp:  time.UnixMilli(row.Timestamp).UTC(),
			Exchange:   schema.ExchangeDeribit,
			MarketType: p.marketType,
			Symbol:     schema.NormalizeSymbol(row.Instrument),
			DataType:   schema.DataTypeTrade,
			Payload: schema.TradePayload{
				TradeID:  row.TradeID,
				Price:    price,
				Quantity: qty,
				Side:     side,
			},
		})
	}
	return out, nil
}

func (p *Parser) parseBook(data []byte, receivedAt time.Time) (*Parsed, error) {
	var row struct {
		Type         string              `json:"type"`
		ChangeID     uint64              `json:"change_id"`
		PrevChangeID uint64              `json:"prev_change_id"`
		Instrument   string              `json:"instrument_name"`
		Bids         [][]json.RawMessage `json:"bids"`
		Asks         [][]json.RawMessage `json:"asks"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("deribit: decode book: %w", err)
	}
	bids, err := parseBookSide(row.Bids)
	if err != nil {
		return nil, fmt.Errorf("deribit: book bids: %w", err)
	}
	asks, err := parseBookSide(row.Asks)
	if err != nil {
		return nil, fmt.Errorf("deribit: book asks: %w", err)
	}
	symbol := schema.NormalizeSymbol(row.Instrument)

	if row.Type == "snapshot" {
		return &Parsed{
			BookSymbol: symbol,
			BookSnapshot: &BookSnapshot{
				Symbol:   symbol,
				ChangeID: row.ChangeID,
				Bids:     bids,
				Asks:     asks,
			},
		}, nil
	}
	return &Parsed{
		BookSymbol: symbol,
		BookUpdate: &orderbook.Update{
			FinalUpdateID: row.ChangeID,
			PrevSeqID:     row.PrevChangeID,
			Bids:          bids,
			Asks:          asks,
			Received:      receivedAt,
		},
	}, nil
}

func (p *Parser) parseVolatilityIndex(data []byte) (*Parsed, error) {
	var row struct {
		IndexName  string      `json:"index_name"`
		Volatility json.Number `json:"volatility"`
		Timestamp  int64       `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("deribit: decode volatility index: %w", err)
	}
	value, err := schema.NumberFromString(row.Volatility.String())
	if err != nil {
		return nil, fmt.Errorf("deribit: volatility: %w", err)
	}
	underlying, symbol := splitIndexName(row.IndexName)
	rec := &schema.Record{
		Timestamp:  time.UnixMilli(row.Timestamp).UTC(),
		Exchange:   schema.ExchangeDeribit,
		MarketType: p.marketType,
		Symbol:     symbol,
		DataType:   schema.DataTypeVolatilityIndex,
		Payload: schema.VolatilityIndexPayload{
			IndexValue:      value,
			UnderlyingAsset: underlying,
		},
	}
	return &Parsed{Records: []*schema.Record{rec}}, nil
}

// parseBookSide maps Deribit [action, price, amount] triples; delete becomes
// a zero-quantity level.
func parseBookSide(rows [][]json.RawMessage) ([]orderbook.Level, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	zero, _ := schema.NumberFromString("0")
	out := make([]orderbook.Level, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			return nil, fmt.Errorf("level with %d fields", len(row))
		}
		var action string
		if err := json.Unmarshal(row[0], &action); err != nil {
			return nil, fmt.Errorf("level action: %w", err)
		}
		price, err := schema.NumberFromString(string(row[1]))
		if err != nil {
			return nil, err
		}
		qty := zero
		if action != "delete" {
			qty, err = schema.NumberFromString(string(row[2]))
			if err != nil {
				return nil, err
			}
		}
		out = append(out, orderbook.Level{Price: price, Quantity: qty})
	}
	return out, nil
}

// splitIndexName maps btc_usd to (BTC, BTC-USD).
func splitIndexName(name string) (underlying, symbol string) {
	upper := strings.ToUpper(name)
	parts := strings.SplitN(upper, "_", 2)
	if len(parts) == 2 {
		return parts[0], parts[0] + "-" + parts[1]
	}
	return upper, upper
}
