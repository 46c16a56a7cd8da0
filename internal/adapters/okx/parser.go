// Package okx adapts OKX v5 market data to the canonical schema.
package okx

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/marketprism/marketprism/internal/orderbook"
	"github.com/marketprism/marketprism/internal/schema"
)

// Parser normalises OKX v5 websocket payloads.
type Parser struct{}

// BookSnapshot is an OKX push snapshot (action=snapshot on the books channel).
type BookSnapshot struct {
	Symbol string
	SeqID  uint64
	Bids   []orderbook.Level
	Asks   []orderbook.Level
}

// Parsed is the outcome of one websocket frame.
type Parsed struct {
	Records      []*schema.Record
	BookSymbol   string
	BookUpdate   *orderbook.Update
	BookSnapshot *BookSnapshot
	// Control is true for pongs, subscribe acks, and error events that
	// carry no market data.
	Control bool
	// Err holds the exchange error message when the frame is an error event.
	Err string
}

type wsFrame struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel  string `json:"channel"`
		InstID   string `json:"instId"`
		InstType string `json:"instType"`
	} `json:"arg"`
	Action string            `json:"action"`
	Data   []json.RawMessage `json:"data"`
}

// ParseFrame decodes one OKX frame, distinguishing control traffic from data.
func (p *Parser) ParseFrame(frame []byte, receivedAt time.Time) (*Parsed, error) {
	if string(frame) == "pong" {
		return &Parsed{Control: true}, nil
	}
	var f wsFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, fmt.Errorf("okx: decode frame: %w", err)
	}
	switch f.Event {
	case "subscribe", "unsubscribe":
		return &Parsed{Control: true}, nil
	case "error":
		return &Parsed{Control: true, Err: fmt.Sprintf("code %s: %s", f.Code, f.Msg)}, nil
	}

	switch f.Arg.Channel {
	case "trades":
		return p.parseTrades(&f)
	case "books":
		return p.parseBooks(&f, receivedAt)
	case "liquidation-orders":
		return p.parseLiquidations(&f)
	default:
		return nil, fmt.Errorf("okx: unsupported channel %q", f.Arg.Channel)
	}
}

func (p *Parser) parseTrades(f *wsFrame) (*Parsed, error) {
	out := &Parsed{}
	for _, raw := range f.Data {
		var row struct {
			InstID  string `json:"instId"`
			TradeID string `json:"tradeId"`
			Price   string `json:"px"`
			Size    string `json:"sz"`
			Side    string `json:"side"`
			TS      string `json:"ts"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("okx: decode trade: %w", err)
		}
		price, err := schema.NumberFromString(row.Price)
		if err != nil {
			return nil, fmt.Errorf("okx: trade px: %w", err)
		}
		qty, err := schema.NumberFromString(row.Size)
		if err != nil {
			return nil, fmt.Errorf("okx: trade sz: %w", err)
		}
		side := schema.Side(row.Side)
		if !side.Valid() {
			return nil, fmt.Errorf("okx: trade side %q", row.Side)
		}
		ts, err := parseMillis(row.TS)
		if err != nil {
			return nil, fmt.Errorf("okx: trade ts: %w", err)
		}
		symbol, marketType, err := SplitInstID(row.InstID)
		if err != nil {
			return nil, err
		}
		out.Records = append(out.Records, &schema.Record{
			Timestamp:  ts,
			Exchange:   schema.ExchangeOKX,
			MarketType: marketType,
			Symbol:     symbol,
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

func (p *Parser) parseBooks(f *wsFrame, receivedAt time.Time) (*Parsed, error) {
	if len(f.Data) == 0 {
		return nil, fmt.Errorf("okx: books frame without data")
	}
	var row struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		// OKX omits checksum on some payloads; a pointer keeps absent and
		// zero distinguishable so a missing field never fails verification.
		Checksum *int32 `json:"checksum"`
		PrevSeq  int64  `json:"prevSeqId"`
		Seq      uint64 `json:"seqId"`
	}
	if err := json.Unmarshal(f.Data[0], &row); err != nil {
		return nil, fmt.Errorf("okx: decode books: %w", err)
	}
	bids, err := parseBookSide(row.Bids)
	if err != nil {
		return nil, fmt.Errorf("okx: book bids: %w", err)
	}
	asks, err := parseBookSide(row.Asks)
	if err != nil {
		return nil, fmt.Errorf("okx: book asks: %w", err)
	}
	symbol, _, err := SplitInstID(f.Arg.InstID)
	if err != nil {
		return nil, err
	}

	if f.Action == "snapshot" {
		return &Parsed{
			BookSymbol: symbol,
			BookSnapshot: &BookSnapshot{
				Symbol: symbol,
				SeqID:  row.Seq,
				Bids:   bids,
				Asks:   asks,
			},
		}, nil
	}
	prev := uint64(0)
	if row.PrevSeq > 0 {
		prev = uint64(row.PrevSeq)
	}
	upd := &orderbook.Update{
		FinalUpdateID: row.Seq,
		PrevSeqID:     prev,
		Bids:          bids,
		Asks:          asks,
		Received:      receivedAt,
	}
	if row.Checksum != nil {
		upd.Checksum = *row.Checksum
		upd.HasChecksum = true
	}
	return &Parsed{BookSymbol: symbol, BookUpdate: upd}, nil
}

func (p *Parser) parseLiquidations(f *wsFrame) (*Parsed, error) {
	out := &Parsed{}
	for _, raw := range f.Data {
		var row struct {
			InstID  string `json:"instId"`
			Details []struct {
				Side  string `json:"side"`
				Price string `json:"bkPx"`
				Size  string `json:"sz"`
				TS    string `json:"ts"`
			} `json:"details"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("okx: decode liquidation: %w", err)
		}
		symbol, marketType, err := SplitInstID(row.InstID)
		if err != nil {
			return nil, err
		}
		for _, d := range row.Details {
			price, err := schema.NumberFromString(d.Price)
			if err != nil {
				return nil, fmt.Errorf("okx: liquidation bkPx: %w", err)
			}
			qty, err := schema.NumberFromString(d.Size)
			if err != nil {
				return nil, fmt.Errorf("okx: liquidation sz: %w", err)
			}
			side := schema.Side(d.Side)
			if !side.Valid() {
				return nil, fmt.Errorf("okx: liquidation side %q", d.Side)
			}
			ts, err := parseMillis(d.TS)
			if err != nil {
				return nil, fmt.Errorf("okx: liquidation ts: %w", err)
			}
			out.Records = append(out.Records, &schema.Record{
				Timestamp:  ts,
				Exchange:   schema.ExchangeOKX,
				MarketType: marketType,
				Symbol:     symbol,
				DataType:   schema.DataTypeLiquidation,
				Payload: schema.LiquidationPayload{
					Side:     side,
					Price:    price,
					Quantity: qty,
				},
			})
		}
	}
	return out, nil
}

func parseBookSide(rows [][]string) ([]orderbook.Level, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]orderbook.Level, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level with %d fields", len(row))
		}
		price, err := schema.NumberFromString(row[0])
		if err != nil {
			return nil, err
		}
		qty, err := schema.NumberFromString(row[1])
		if err != nil {
			return nil, err
		}
		out = append(out, orderbook.Level{Price: price, Quantity: qty})
	}
	return out, nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// InstID renders the OKX instrument id for a canonical symbol: spot keeps the
// pair, perpetuals append -SWAP.
func InstID(symbol string, marketType schema.MarketType) string {
	if marketType == schema.MarketTypePerpetual {
		return symbol + "-SWAP"
	}
	return symbol
}

// SplitInstID maps an OKX instrument id back to the canonical symbol and
// market type. Dated contracts (futures, options) have no canonical market
// type and are rejected instead of mislabeled as spot.
func SplitInstID(instID string) (string, schema.MarketType, error) {
	upper := strings.ToUpper(instID)
	if strings.HasSuffix(upper, "-SWAP") {
		return strings.TrimSuffix(upper, "-SWAP"), schema.MarketTypePerpetual, nil
	}
	if parts := strings.Split(upper, "-"); len(parts) > 2 && isDateSegment(parts[2]) {
		return "", "", fmt.Errorf("okx: unsupported dated instrument %q", instID)
	}
	return upper, schema.MarketTypeSpot, nil
}

func isDateSegment(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
