package binance

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/marketprism/marketprism/errs"
	"github.com/marketprism/marketprism/internal/adapters/shared"
	"github.com/marketprism/marketprism/internal/observability"
	"github.com/marketprism/marketprism/internal/orderbook"
	"github.com/marketprism/marketprism/internal/schema"
)

const (
	SpotWSBase    = "wss://stream.binance.com:9443/stream"
	FuturesWSBase = "wss://fstream.binance.com/stream"

	defaultFundingInterval      = 30 * time.Second
	defaultOpenInterestInterval = time.Minute
	defaultLSRInterval          = 5 * time.Minute
	defaultLSRPeriod            = "5m"

	errWindowLimit = 5
	errWindowSpan  = time.Minute
)

// Config describes one Binance connector instance.
type Config struct {
	MarketType    schema.MarketType
	WSURL         string
	SnapshotLimit int
	Depth         int
	EmitInterval  time.Duration

	FundingInterval      time.Duration
	OpenInterestInterval time.Duration
	LSRInterval          time.Duration
	LSRPeriod            string
}

func (c *Config) applyDefaults() {
	if c.WSURL == "" {
		if c.MarketType == schema.MarketTypeSpot {
			c.WSURL = SpotWSBase
		} else {
			c.WSURL = FuturesWSBase
		}
	}
	if c.SnapshotLimit <= 0 {
		c.SnapshotLimit = 1000
	}
	if c.FundingInterval <= 0 {
		c.FundingInterval = defaultFundingInterval
	}
	if c.OpenInterestInterval <= 0 {
		c.OpenInterestInterval = defaultOpenInterestInterval
	}
	if c.LSRInterval <= 0 {
		c.LSRInterval = defaultLSRInterval
	}
	if c.LSRPeriod == "" {
		c.LSRPeriod = defaultLSRPeriod
	}
}

// Connector sustains the Binance websocket stream plus the REST pollers for
// one market type and emits canonical records.
type Connector struct {
	cfg     Config
	parser  *Parser
	rest    *RESTClient
	subs    *shared.SubscriptionSet
	books   *orderbook.Manager
	log     zerolog.Logger
	metrics *observability.Metrics

	records chan *schema.Record
	errors  *shared.ErrorWindow
	session *shared.WSSession
	subID   atomic.Int64
}

// New builds a connector. Run must be called before records flow.
func New(cfg Config, rest *RESTClient, log zerolog.Logger, metrics *observability.Metrics) *Connector {
	cfg.applyDefaults()
	c := &Connector{
		cfg:     cfg,
		parser:  NewParser(cfg.MarketType),
		rest:    rest,
		subs:    shared.NewSubscriptionSet(),
		log:     log.With().Str("exchange", "binance").Str("market_type", string(cfg.MarketType)).Logger(),
		metrics: metrics,
		records: make(chan *schema.Record, 1024),
		errors:  shared.NewErrorWindow(errWindowLimit, errWindowSpan),
	}
	c.books = orderbook.NewManager(orderbook.Config{
		Exchange:     schema.ExchangeBinance,
		MarketType:   cfg.MarketType,
		Mode:         orderbook.SequenceBinance,
		Depth:        cfg.Depth,
		EmitInterval: cfg.EmitInterval,
		Fetch: func(ctx context.Context, symbol string) (uint64, []orderbook.Level, []orderbook.Level, error) {
			return rest.DepthSnapshot(ctx, cfg.MarketType, symbol, cfg.SnapshotLimit)
		},
	}, log, metrics)
	return c
}

// Name implements adapters.Connector.
func (c *Connector) Name() schema.Exchange { return schema.ExchangeBinance }

// Records implements adapters.Connector.
func (c *Connector) Records() <-chan *schema.Record { return c.records }

// Subscribe registers interest in (symbol, dataType). Symbols are canonical
// pairs like BTC-USDT.
func (c *Connector) Subscribe(symbol string, dataType schema.DataType) error {
	switch dataType {
	case schema.DataTypeTrade, schema.DataTypeOrderbook:
	case schema.DataTypeLiquidation, schema.DataTypeFundingRate, schema.DataTypeOpenInterest,
		schema.DataTypeLSRTopPosition, schema.DataTypeLSRAllAccount:
		if c.cfg.MarketType == schema.MarketTypeSpot {
			return fmt.Errorf("binance: %s unavailable on spot", dataType)
		}
	default:
		return fmt.Errorf("binance: unsupported data type %q", dataType)
	}
	c.subs.Add(shared.Subscription{Symbol: schema.NormalizeSymbol(symbol), DataType: dataType})
	return nil
}

// Run drives the websocket session, order-book loops, and REST pollers until
// ctx is cancelled or repeated payload failures trip the error window.
func (c *Connector) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	for _, symbol := range c.subs.Symbols(schema.DataTypeOrderbook) {
		c.books.Track(runCtx, symbol)
	}

	var wg conc.WaitGroup
	wg.Go(func() { c.forwardBooks(runCtx) })
	wg.Go(func() { c.pollLoop(runCtx, schema.DataTypeFundingRate, c.cfg.FundingInterval) })
	wg.Go(func() { c.pollLoop(runCtx, schema.DataTypeOpenInterest, c.cfg.OpenInterestInterval) })
	wg.Go(func() { c.pollLoop(runCtx, schema.DataTypeLSRTopPosition, c.cfg.LSRInterval) })
	wg.Go(func() { c.pollLoop(runCtx, schema.DataTypeLSRAllAccount, c.cfg.LSRInterval) })

	c.session = shared.NewWSSession(shared.WSConfig{
		URL: c.cfg.WSURL,
		OnConnect: func(connCtx context.Context) error {
			return c.subscribeAll(connCtx)
		},
	}, c.log, func() {
		c.metrics.Reconnects.WithLabelValues("binance").Inc()
		// Updates missed while disconnected may not gap the sequence check,
		// so every book re-seeds from a fresh snapshot.
		c.books.ResyncAll()
	})

	wg.Go(func() {
		err := c.session.Run(runCtx, func(hctx context.Context, frame []byte) error {
			return c.handleFrame(hctx, frame, cancel)
		})
		cancel(err)
	})

	<-runCtx.Done()
	wg.Wait()
	c.books.Close()
	close(c.records)

	if cause := context.Cause(runCtx); cause != nil && cause != context.Canceled {
		return cause
	}
	return nil
}

// subscribeAll sends SUBSCRIBE frames for the registered streams on a fresh
// connection.
func (c *Connector) subscribeAll(ctx context.Context) error {
	streams := c.streamNames()
	if len(streams) == 0 {
		return nil
	}
	req := struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}{Method: "SUBSCRIBE", Params: streams, ID: c.subID.Add(1)}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.session.Write(ctx, payload)
}

func (c *Connector) streamNames() []string {
	var streams []string
	for _, sub := range c.subs.All() {
		remote := strings.ToLower(RemoteSymbol(sub.Symbol))
		switch sub.DataType {
		case schema.DataTypeTrade:
			if c.cfg.MarketType == schema.MarketTypeSpot {
				streams = append(streams, remote+"@trade")
			} else {
				streams = append(streams, remote+"@aggTrade")
			}
		case schema.DataTypeOrderbook:
			streams = append(streams, remote+"@depth@100ms")
		case schema.DataTypeLiquidation:
			streams = append(streams, remote+"@forceOrder")
		}
	}
	return streams
}

func (c *Connector) handleFrame(ctx context.Context, frame []byte, cancel context.CancelCauseFunc) error {
	c.metrics.RawMessages.WithLabelValues("binance", string(c.cfg.MarketType)).Inc()
	if isControlReply(frame) {
		return nil
	}
	parsed, err := c.parser.ParseFrame(frame, time.Now().UTC())
	if err != nil {
		c.metrics.MalformedMessages.WithLabelValues("binance").Inc()
		c.log.Warn().Err(err).Msg("dropping malformed frame")
		if c.errors.Record() {
			fatal := errs.New("binance", errs.KindProtocol,
				errs.WithMessage("repeated payload failures"), errs.WithCause(err))
			cancel(fatal)
			return fatal
		}
		return nil
	}
	c.errors.Reset()

	if parsed.BookUpdate != nil {
		if err := c.books.Submit(ctx, parsed.BookSymbol, *parsed.BookUpdate); err != nil {
			return err
		}
	}
	for _, rec := range parsed.Records {
		c.metrics.RecordsNormalized.WithLabelValues("binance", string(rec.DataType)).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c.records <- rec:
		}
	}
	return nil
}

// forwardBooks moves periodic book snapshots onto the shared records channel.
func (c *Connector) forwardBooks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-c.books.Out():
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
				return
			case c.records <- rec:
			}
		}
	}
}

// pollLoop fetches one REST data type for every subscribed symbol on a fixed
// cadence. Errors are logged and retried on the next tick.
func (c *Connector) pollLoop(ctx context.Context, dataType schema.DataType, every time.Duration) {
	symbols := c.subs.Symbols(dataType)
	if len(symbols) == 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		for _, symbol := range symbols {
			rec, err := c.fetchOne(ctx, dataType, symbol)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn().Err(err).Str("symbol", symbol).Str("data_type", string(dataType)).
					Msg("rest poll failed")
				continue
			}
			c.metrics.RecordsNormalized.WithLabelValues("binance", string(dataType)).Inc()
			select {
			case <-ctx.Done():
				return
			case c.records <- rec:
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Connector) fetchOne(ctx context.Context, dataType schema.DataType, symbol string) (*schema.Record, error) {
	switch dataType {
	case schema.DataTypeFundingRate:
		return c.rest.FundingRate(ctx, symbol)
	case schema.DataTypeOpenInterest:
		return c.rest.OpenInterest(ctx, symbol)
	case schema.DataTypeLSRTopPosition:
		return c.rest.LSRTopPosition(ctx, symbol, c.cfg.LSRPeriod)
	case schema.DataTypeLSRAllAccount:
		return c.rest.LSRAllAccount(ctx, symbol, c.cfg.LSRPeriod)
	default:
		return nil, fmt.Errorf("binance: no poller for %s", dataType)
	}
}

// isControlReply detects {"result":null,"id":N} subscription acknowledgements.
func isControlReply(frame []byte) bool {
	var probe struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return false
	}
	return probe.ID != nil
}
