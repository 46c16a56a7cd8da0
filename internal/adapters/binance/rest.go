package binance

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

	"github.com/marketprism/marketprism/errs"
	"github.com/marketprism/marketprism/internal/orderbook"
	"github.com/marketprism/marketprism/internal/ratelimit"
	"github.com/marketprism/marketprism/internal/schema"
)

const (
	SpotAPIBase    = "https://api.binance.com"
	FuturesAPIBase = "https://fapi.binance.com"

	depthWeight      = 50
	premiumWeight    = 1
	futuresDataWeigh = 1
)

// RESTClient wraps Binance REST endpoints behind the shared token buckets.
// 429 responses double the limiter penalty, 418 bans the egress IP.
type RESTClient struct {
	spotBase    string
	futuresBase string
	httpClient  *http.Client
	limiter     *ratelimit.Limiter
}

// NewRESTClient builds a client against the production endpoints.
func NewRESTClient(limiter *ratelimit.Limiter) *RESTClient {
	return &RESTClient{
		spotBase:    SpotAPIBase,
		futuresBase: FuturesAPIBase,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		limiter:     limiter,
	}
}

// NewRESTClientWithBases is for tests pointed at an httptest server.
func NewRESTClientWithBases(limiter *ratelimit.Limiter, spotBase, futuresBase string) *RESTClient {
	c := NewRESTClient(limiter)
	c.spotBase = spotBase
	c.futuresBase = futuresBase
	return c
}

// DepthSnapshot fetches the REST order-book snapshot for one symbol.
func (c *RESTClient) DepthSnapshot(ctx context.Context, marketType schema.MarketType, symbol string, limit int) (uint64, []orderbook.Level, []orderbook.Level, error) {
	var path, base string
	if marketType == schema.MarketTypeSpot {
		base, path = c.spotBase, "/api/v3/depth"
	} else {
		base, path = c.futuresBase, "/fapi/v1/depth"
	}
	q := url.Values{}
	q.Set("symbol", RemoteSymbol(symbol))
	q.Set("limit", strconv.Itoa(limit))
	body, err := c.get(ctx, base+path, q, depthWeight)
	if err != nil {
		return 0, nil, nil, err
	}
	return ParseDepthSnapshot(body)
}

// FundingRate fetches the current premium index for a perpetual.
func (c *RESTClient) FundingRate(ctx context.Context, symbol string) (*schema.Record, error) {
	q := url.Values{}
	q.Set("symbol", RemoteSymbol(symbol))
	body, err := c.get(ctx, c.futuresBase+"/fapi/v1/premiumIndex", q, premiumWeight)
	if err != nil {
		return nil, err
	}
	var resp struct {
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
		Time            int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance: decode premiumIndex: %w", err)
	}
	rate, err := schema.NumberFromString(resp.LastFundingRate)
	if err != nil {
		return nil, fmt.Errorf("binance: funding rate: %w", err)
	}
	return &schema.Record{
		Timestamp:  time.UnixMilli(resp.Time).UTC(),
		Exchange:   schema.ExchangeBinance,
		MarketType: schema.MarketTypePerpetual,
		Symbol:     schema.NormalizeSymbol(symbol),
		DataType:   schema.DataTypeFundingRate,
		Payload: schema.FundingRatePayload{
			FundingRate:     rate,
			FundingTime:     time.UnixMilli(resp.Time).UTC(),
			NextFundingTime: time.UnixMilli(resp.NextFundingTime).UTC(),
		},
	}, nil
}

// OpenInterest fetches the latest open-interest observation, including the
// notional value from the statistics endpoint.
func (c *RESTClient) OpenInterest(ctx context.Context, symbol string) (*schema.Record, error) {
	q := url.Values{}
	q.Set("symbol", RemoteSymbol(symbol))
	q.Set("period", "5m")
	q.Set("limit", "1")
	body, err := c.get(ctx, c.futuresBase+"/futures/data/openInterestHist", q, futuresDataWeigh)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		SumOpenInterest      string `json:"sumOpenInterest"`
		SumOpenInterestValue string `json:"sumOpenInterestValue"`
		Timestamp            int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("binance: decode openInterestHist: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("binance: openInterestHist empty for %s", symbol)
	}
	row := rows[len(rows)-1]
	oi, err := schema.NumberFromString(row.SumOpenInterest)
	if err != nil {
		return nil, fmt.Errorf("binance: open interest: %w", err)
	}
	value, err := schema.NumberFromString(row.SumOpenInterestValue)
	if err != nil {
		return nil, fmt.Errorf("binance: open interest value: %w", err)
	}
	return &schema.Record{
		Timestamp:  time.UnixMilli(row.Timestamp).UTC(),
		Exchange:   schema.ExchangeBinance,
		MarketType: schema.MarketTypePerpetual,
		Symbol:     schema.NormalizeSymbol(symbol),
		DataType:   schema.DataTypeOpenInterest,
		Payload: schema.OpenInterestPayload{
			OpenInterest:      oi,
			OpenInterestValue: value,
		},
	}, nil
}

// LSRTopPosition fetches the top-trader position long/short ratio.
func (c *RESTClient) LSRTopPosition(ctx context.Context, symbol, period string) (*schema.Record, error) {
	row, err := c.fetchRatio(ctx, "/futures/data/topLongShortPositionRatio", symbol, period)
	if err != nil {
		return nil, err
	}
	long, short, err := row.ratios()
	if err != nil {
		return nil, err
	}
	return &schema.Record{
		Timestamp:  time.UnixMilli(row.Timestamp).UTC(),
		Exchange:   schema.ExchangeBinance,
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
	row, err := c.fetchRatio(ctx, "/futures/data/globalLongShortAccountRatio", symbol, period)
	if err != nil {
		return nil, err
	}
	long, short, err := row.ratios()
	if err != nil {
		return nil, err
	}
	return &schema.Record{
		Timestamp:  time.UnixMilli(row.Timestamp).UTC(),
		Exchange:   schema.ExchangeBinance,
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

type ratioRow struct {
	LongAccount  string `json:"longAccount"`
	ShortAccount string `json:"shortAccount"`
	Timestamp    int64  `json:"timestamp"`
}

func (r ratioRow) ratios() (schema.Number, schema.Number, error) {
	long, err := schema.NumberFromString(r.LongAccount)
	if err != nil {
		return schema.Number{}, schema.Number{}, fmt.Errorf("binance: long ratio: %w", err)
	}
	short, err := schema.NumberFromString(r.ShortAccount)
	if err != nil {
		return schema.Number{}, schema.Number{}, fmt.Errorf("binance: short ratio: %w", err)
	}
	return long, short, nil
}

func (c *RESTClient) fetchRatio(ctx context.Context, path, symbol, period string) (*ratioRow, error) {
	q := url.Values{}
	q.Set("symbol", RemoteSymbol(symbol))
	q.Set("period", period)
	q.Set("limit", "1")
	body, err := c.get(ctx, c.futuresBase+path, q, futuresDataWeigh)
	if err != nil {
		return nil, err
	}
	var rows []ratioRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("binance: decode %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("binance: %s empty for %s", path, symbol)
	}
	return &rows[len(rows)-1], nil
}

func (c *RESTClient) get(ctx context.Context, endpoint string, query url.Values, weight int) ([]byte, error) {
	ip, err := c.limiter.Wait(ctx, weight)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.New("binance", errs.KindNetwork, errs.WithCause(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, errs.New("binance", errs.KindNetwork, errs.WithCause(err))
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.limiter.On429(ip, retryAfter)
		return nil, errs.New("binance", errs.KindRateLimited,
			errs.WithHTTP(resp.StatusCode), errs.WithRetryAfter(time.Now().Add(retryAfter)))
	case resp.StatusCode == http.StatusTeapot:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.limiter.On418(ip, retryAfter)
		return nil, errs.New("binance", errs.KindIPBanned,
			errs.WithHTTP(resp.StatusCode), errs.WithRetryAfter(time.Now().Add(retryAfter)))
	default:
		return nil, errs.New("binance", errs.KindProtocol, errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, truncate(body, 256))))
	}
}

func parseRetryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs <= 0 {
		return time.Minute
	}
	return time.Duration(secs) * time.Second
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// RemoteSymbol converts a canonical pair like BTC-USDT to Binance's BTCUSDT.
func RemoteSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), "-", "")
}
