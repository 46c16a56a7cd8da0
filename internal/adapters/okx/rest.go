package okx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/marketprism/marketprism/errs"
	"github.com/marketprism/marketprism/internal/ratelimit"
	"github.com/marketprism/marketprism/internal/schema"
)

// APIBase is the OKX v5 REST endpoint.
const APIBase = "https://www.okx.com"

// RESTClient wraps the OKX v5 public endpoints behind the shared limiter.
type RESTClient struct {
	base       string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
}

// NewRESTClient builds a client against the production endpoint.
func NewRESTClient(limiter *ratelimit.Limiter) *RESTClient {
	return &RESTClient{
		base:       APIBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    limiter,
	}
}

// NewRESTClientWithBase is for tests pointed at an httptest server.
func NewRESTClientWithBase(limiter *ratelimit.Limiter, base string) *RESTClient {
	c := NewRESTClient(limiter)
	c.base = base
	return c
}

// FundingRate fetches the current funding rate for a perpetual.
func (c *RESTClient) FundingRate(ctx context.Context, symbol string) (*schema.Record, error) {
	q := url.Values{}
	q.Set("instId", InstID(symbol, schema.MarketTypePerpetual))
	data, err := c.get(ctx, "/api/v5/public/funding-rate", q)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		FundingRate     string `json:"fundingRate"`
		FundingTime     string `json:"fundingTime"`
		NextFundingTime string `json:"nextFundingTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("okx: decode funding-rate: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("okx: funding-rate empty for %s", symbol)
	}
	row := rows[0]
	rate, err := schema.NumberFromString(row.FundingRate)
	if err != nil {
		return nil, fmt.Errorf("okx: funding rate: %w", err)
	}
	fundingTime, err := parseMillis(row.FundingTime)
	if err != nil {
		return nil, fmt.Errorf("okx: fundingTime: %w", err)
	}
	nextTime, err := parseMillis(row.NextFundingTime)
	if err != nil {
		return nil, fmt.Errorf("okx: nextFundingTime: %w", err)
	}
	return &schema.Record{
		Timestamp:  time.Now().UTC(),
		Exchange:   schema.ExchangeOKX,
		MarketType: schema.MarketTypePerpetual,
		Symbol:     schema.NormalizeSymbol(symbol),
		DataType:   schema.DataTypeFundingRate,
		Payload: schema.FundingRatePayload{
			FundingRate:     rate,
			FundingTime:     fundingTime,
			NextFundingTime: nextTime,
		},
	}, nil
}

// OpenInterest fetches open interest in contracts plus the USD notional.
func (c *RESTClient) OpenInterest(ctx context.Context, symbol string) (*schema.Record, error) {
	q := url.Values{}
	q.Set("instId", InstID(symbol, schema.MarketTypePerpetual))
	data, err := c.get(ctx, "/api/v5/public/open-interest", q)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		OI    string `json:"oi"`
		OIUSD string `json:"oiUsd"`
		TS    string `json:"ts"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("okx: decode open-interest: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("okx: open-interest empty for %s", symbol)
	}
	row := rows[0]
	oi, err := schema.NumberFromString(row.OI)
	if err != nil {
		return nil, fmt.Errorf("okx: oi: %w", err)
	}
	value, err := schema.NumberFromString(row.OIUSD)
	if err != nil {
		return nil, fmt.Errorf("okx: oiUsd: %w", err)
	}
	ts, err := parseMillis(row.TS)
	if err != nil {
		return nil, fmt.Errorf("okx: open-interest ts: %w", err)
	}
	return &schema.Record{
		Timestamp:  ts,
		Exchange:   schema.ExchangeOKX,
		MarketType: schema.MarketTypePerpetual,
		Symbol:     schema.NormalizeSymbol(symbol),
		DataType:   schema.DataTypeOpenInterest,
		Payload: schema.OpenInterestPayload{
			OpenInterest:      oi,
			OpenInterestValue: value,
		},
	}, nil
}

// LSRTopPosition fetches the top-trader position long/short ratio. OKX
// reports a single ratio; the long and short proportions are derived from it.
func (c *RESTClient) LSRTopPosition(ctx context.Context, symbol, period string) (*schema.Record, error) {
	ts, long, short, err := c.fetchRatio(ctx,
		"/api/v5/rubik/stat/contracts/long-short-position-ratio-contract-top-trader", symbol, period)
	if err != nil {
		return nil, err
	}
	return &schema.Record{
		Timestamp:  ts,
		Exchange:   schema.ExchangeOKX,
		MarketType: schema.MarketTypePerpetual,
		Symbol:     schema.NormalizeSymbol(symbol),
		DataType:   schema.DataTypeLSRTopPosition,
		Payload: schema.LSRTopPositionPayload{
			LongPositionRatio:  long,
			ShortPositionRatio: short,
			Period:             period,
		},
	}, nil
}

// LSRAllAccount fetches the all-account long/short ratio.
func (c *RESTClient) LSRAllAccount(ctx context.Context, symbol, period string) (*schema.Record, error) {
	ts, long, short, err := c.fetchRatio(ctx,
		"/api/v5/rubik/stat/contracts/long-short-account-ratio-contract", symbol, period)
	if err != nil {
		return nil, err
	}
	return &schema.Record{
		Timestamp:  ts,
		Exchange:   schema.ExchangeOKX,
		MarketType: schema.MarketTypePerpetual,
		Symbol:     schema.NormalizeSymbol(symbol),
		DataType:   schema.DataTypeLSRAllAccount,
		Payload: schema.LSRAllAccountPayload{
			LongAccountRatio:  long,
			ShortAccountRatio: short,
			Period:            period,
		},
	}, nil
}

// fetchRatio reads a rubik [ts, ratio] series and converts the latest ratio r
// into long r/(1+r) and short 1/(1+r) proportions.
func (c *RESTClient) fetchRatio(ctx context.Context, path, symbol, period string) (time.Time, schema.Number, schema.Number, error) {
	q := url.Values{}
	q.Set("instId", InstID(symbol, schema.MarketTypePerpetual))
	q.Set("period", period)
	data, err := c.get(ctx, path, q)
	if err != nil {
		return time.Time{}, schema.Number{}, schema.Number{}, err
	}
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return time.Time{}, schema.Number{}, schema.Number{}, fmt.Errorf("okx: decode %s: %w", path, err)
	}
	if len(rows) == 0 || len(rows[0]) < 2 {
		return time.Time{}, schema.Number{}, schema.Number{}, fmt.Errorf("okx: %s empty for %s", path, symbol)
	}
	ts, err := parseMillis(rows[0][0])
	if err != nil {
		return time.Time{}, schema.Number{}, schema.Number{}, fmt.Errorf("okx: ratio ts: %w", err)
	}
	ratio, err := decimal.NewFromString(rows[0][1])
	if err != nil || ratio.Sign() < 0 {
		return time.Time{}, schema.Number{}, schema.Number{}, fmt.Errorf("okx: ratio %q: %w", rows[0][1], err)
	}
	denom := ratio.Add(decimal.New(1, 0))
	long := ratio.DivRound(denom, 4)
	short := decimal.New(1, 0).DivRound(denom, 4)
	return ts, schema.NumberFromDecimal(long), schema.NumberFromDecimal(short), nil
}

// get performs a rate-limited GET and unwraps the OKX {code,msg,data} envelope.
func (c *RESTClient) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	ip, err := c.limiter.Wait(ctx, 1)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.New("okx", errs.KindNetwork, errs.WithCause(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errs.New("okx", errs.KindNetwork, errs.WithCause(err))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.limiter.On429(ip, retryAfter)
		return nil, errs.New("okx", errs.KindRateLimited,
			errs.WithHTTP(resp.StatusCode), errs.WithRetryAfter(time.Now().Add(retryAfter)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New("okx", errs.KindProtocol, errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(fmt.Sprintf("unexpected status %d", resp.StatusCode)))
	}

	var envelope struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("okx: decode envelope: %w", err)
	}
	if envelope.Code != "0" {
		return nil, errs.New("okx", errs.KindProtocol,
			errs.WithMessage(fmt.Sprintf("api code %s: %s", envelope.Code, envelope.Msg)))
	}
	return envelope.Data, nil
}

func parseRetryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs <= 0 {
		return time.Minute
	}
	return time.Duration(secs) * time.Second
}
