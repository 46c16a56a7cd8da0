package schema

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// TimestampLayout is the ClickHouse DateTime64(3) textual form used on the wire.
const TimestampLayout = "2006-01-02 15:04:05.000"

// FormatTimestamp renders t in UTC using the canonical wire layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp reads the canonical wire layout, tolerating absent fractions.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{TimestampLayout, "2006-01-02 15:04:05.0000", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp: cannot parse %q", s)
}

// envelope is the flat JSON shape of a canonical record: the common fields plus
// the payload fields merged at the same level.
type envelope struct {
	Timestamp  string     `json:"timestamp"`
	Exchange   Exchange   `json:"exchange"`
	MarketType MarketType `json:"market_type"`
	Symbol     string     `json:"symbol"`
	DataType   DataType   `json:"data_type"`
	DataSource string     `json:"data_source"`
}

// MarshalRecord encodes a canonical record into its flat UTF-8 JSON body.
func MarshalRecord(rec *Record) ([]byte, error) {
	if rec.Payload == nil {
		return nil, fmt.Errorf("record: nil payload")
	}
	if rec.Payload.dataType() != rec.DataType {
		return nil, fmt.Errorf("record: payload type %s does not match data type %s",
			rec.Payload.dataType(), rec.DataType)
	}
	env, err := json.Marshal(envelope{
		Timestamp:  FormatTimestamp(rec.Timestamp),
		Exchange:   rec.Exchange,
		MarketType: rec.MarketType,
		Symbol:     rec.Symbol,
		DataType:   rec.DataType,
		DataSource: DataSource,
	})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(rec.Payload)
	if err != nil {
		return nil, err
	}
	return mergeObjects(env, body)
}

// UnmarshalRecord decodes a flat JSON body back into a canonical record using
// the embedded data_type to select the payload struct.
func UnmarshalRecord(data []byte) (*Record, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("record: decode envelope: %w", err)
	}
	ts, err := ParseTimestamp(env.Timestamp)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		Timestamp:  ts,
		Exchange:   env.Exchange,
		MarketType: env.MarketType,
		Symbol:     env.Symbol,
		DataType:   env.DataType,
	}
	switch env.DataType {
	case DataTypeTrade:
		rec.Payload, err = decodePayload[TradePayload](data)
	case DataTypeOrderbook:
		rec.Payload, err = decodePayload[OrderBookPayload](data)
	case DataTypeFundingRate:
		rec.Payload, err = decodePayload[FundingRatePayload](data)
	case DataTypeOpenInterest:
		rec.Payload, err = decodePayload[OpenInterestPayload](data)
	case DataTypeLiquidation:
		rec.Payload, err = decodePayload[LiquidationPayload](data)
	case DataTypeLSRTopPosition:
		rec.Payload, err = decodePayload[LSRTopPositionPayload](data)
	case DataTypeLSRAllAccount:
		rec.Payload, err = decodePayload[LSRAllAccountPayload](data)
	case DataTypeVolatilityIndex:
		rec.Payload, err = decodePayload[VolatilityIndexPayload](data)
	default:
		return nil, fmt.Errorf("record: unknown data type %q", env.DataType)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func decodePayload[P Payload](data []byte) (Payload, error) {
	var p P
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("record: decode payload: %w", err)
	}
	return p, nil
}

// mergeObjects concatenates two JSON objects into one flat object.
func mergeObjects(a, b []byte) ([]byte, error) {
	a = []byte(strings.TrimSpace(string(a)))
	b = []byte(strings.TrimSpace(string(b)))
	if len(a) < 2 || a[0] != '{' || len(b) < 2 || b[0] != '{' {
		return nil, fmt.Errorf("record: merge expects two objects")
	}
	if string(b) == "{}" {
		return a, nil
	}
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a[:len(a)-1]...)
	out = append(out, ',')
	out = append(out, b[1:]...)
	return out, nil
}

// MarshalJSON renders the price level as a two-element ["price","qty"] array.
func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]Number{l.Price, l.Quantity})
}

// UnmarshalJSON reads the two-element array form.
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair [2]Number
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	l.Price, l.Quantity = pair[0], pair[1]
	return nil
}

// MarshalJSON renders timestamps in FundingRatePayload fields using the wire layout.
func (p FundingRatePayload) MarshalJSON() ([]byte, error) {
	type wire struct {
		FundingRate     Number `json:"funding_rate"`
		FundingTime     string `json:"funding_time"`
		NextFundingTime string `json:"next_funding_time"`
	}
	return json.Marshal(wire{
		FundingRate:     p.FundingRate,
		FundingTime:     FormatTimestamp(p.FundingTime),
		NextFundingTime: FormatTimestamp(p.NextFundingTime),
	})
}

// UnmarshalJSON reads the wire layout timestamps back.
func (p *FundingRatePayload) UnmarshalJSON(data []byte) error {
	type wire struct {
		FundingRate     Number `json:"funding_rate"`
		FundingTime     string `json:"funding_time"`
		NextFundingTime string `json:"next_funding_time"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ft, err := ParseTimestamp(w.FundingTime)
	if err != nil {
		return err
	}
	nft, err := ParseTimestamp(w.NextFundingTime)
	if err != nil {
		return err
	}
	p.FundingRate, p.FundingTime, p.NextFundingTime = w.FundingRate, ft, nft
	return nil
}
