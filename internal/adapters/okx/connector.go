package okx

import (
	"context"
	"fmt"
	"sync"
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
	PublicWSURL = "wss://ws.okx.com:8443/ws/v5/public"

	pingInterval    = 25 * time.Second
	snapshotTimeout = 15 * time.Second

	defaultFundingInterval      = 30 * time.Second
	defaultOpenInterestInterval = time.Minute
	defaultLSRInterval          = 5 * time.Minute
	defaultLSRPeriod            = "5m"

	errWindowLimit = 5
	errWindowSpan  = time.Minute
)

// Config describes one OKX connector instance.
type Config struct {
	MarketType   schema.MarketType
	WSURL        string
	Depth        int
	EmitInterval time.Duration

	FundingInterval      time.Duration
	OpenInterestInterval time.Duration
	LSRInterval          time.Duration
	LSRPeriod            string
}

func (c *Config) applyDefaults() {
	if c.WSURL == "" {
		c.WSURL = PublicWSURL
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

// Connector sustains one OKX public websocket plus the REST pollers and emits
// canonical records. OKX pushes book snapshots over the websocket, so the
// book manager's snapshot fetch resubscribes the channel and waits for the
// next push instead of calling REST.
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

	mu      sync.Mutex
	waiters map[string]chan *BookSnapshot
}

// New builds a connector. Run must be called before records flow.
func New(cfg Config, rest *RESTClient, log zerolog.Logger, metrics *observability.Metrics) *Connector {
	cfg.applyDefaults()
	c := &Connector{
		cfg:     cfg,
		parser:  &Parser{},
		rest:    rest,
		subs:    shared.NewSubscriptionSet(),
		log:     log.With().Str("exchange", "okx").Str("market_type", string(cfg.MarketType)).Logger(),
		metrics: metrics,
		records: make(chan *schema.Record, 1024),
		errors:  shared.NewErrorWindow(errWindowLimit, errWindowSpan),
		waiters: make(map[string]chan *BookSnapshot),
	}
	c.books = orderbook.NewManager(orderbook.Config{
		Exchange:     schema.ExchangeOKX,
		MarketType:   cfg.MarketType,
		Mode:         orderbook.SequenceOKX,
		Depth:        cfg.Depth,
		EmitInterval: cfg.EmitInterval,
		Fetch:        c.fetchSnapshot,
	}, log, metrics)
	return c
}

// Name implements adapters.Connector.
func (c *Connector) Name() schema.Exchange { return schema.ExchangeOKX }

// Records implements adapters.Connector.
func (c *Connector) Records() <-chan *schema.Record { return c.records }

// Subscribe registers interest in (symbol, dataType).
func (c *Connector) Subscribe(symbol string, dataType schema.DataType) error {
	switch dataType {
	case schema.DataTypeTrade, schema.DataTypeOrderbook:
	case schema.DataTypeLiquidation, schema.DataTypeFundingRate, schema.DataTypeOpenInterest,
		schema.DataTypeLSRTopPosition, schema.DataTypeLSRAllAccount:
		if c.cfg.MarketType == schema.MarketTypeSpot {
			return fmt.Errorf("okx: %s unavailable on spot", dataType)
		}
	default:
		return fmt.Errorf("okx: unsupported data type %q", dataType)
	}
	c.subs.Add(shared.Subscription{Symbol: schema.NormalizeSymbol(symbol), DataType: dataType})
	return nil
}

// Run drives the session, book loops, and pollers until ctx is cancelled or
// repeated payload failures trip the error window.
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
		URL:          c.cfg.WSURL,
		PingInterval: pingInterval,
		PingPayload:  []byte("ping"),
		OnConnect:    c.subscribeAll,
	}, c.log, func() {
		c.metrics.Reconnects.WithLabelValues("okx").Inc()
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

type wsOp struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

type wsArg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId,omitempty"`
	InstType string `json:"instType,omitempty"`
}

func (c *Connector) subscribeAll(ctx context.Context) error {
	args := c.subscriptionArgs()
	if len(args) == 0 {
		return nil
	}
	return c.send(ctx, wsOp{Op: "subscribe", Args: args})
}

func (c *Connector) subscriptionArgs() []wsArg {
	var args []wsArg
	liquidations := false
	for _, sub := range c.subs.All() {
		instID := InstID(sub.Symbol, c.cfg.MarketType)
		switch sub.DataType {
		case schema.DataTypeTrade:
			args = append(args, wsArg{Channel: "trades", InstID: instID})
		case schema.DataTypeOrderbook:
			args = append(args, wsArg{Channel: "books", InstID: instID})
		case schema.DataTypeLiquidation:
			liquidations = true
		}
	}
	if liquidations {
		args = append(args, wsArg{Channel: "liquidation-orders", InstType: "SWAP"})
	}
	return args
}

func (c *Connector) send(ctx context.Context, op wsOp) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return c.session.Write(ctx, payload)
}

func (c *Connector) handleFrame(ctx context.Context, frame []byte, cancel context.CancelCauseFunc) error {
	c.metrics.RawMessages.WithLabelValues("okx", string(c.cfg.MarketType)).Inc()
	parsed, err := c.parser.ParseFrame(frame, time.Now().UTC())
	if err != nil {
		c.metrics.MalformedMessages.WithLabelValues("okx").Inc()
		c.log.Warn().Err(err).Msg("dropping malformed frame")
		if c.errors.Record() {
			fatal := errs.New("okx", errs.KindProtocol,
				errs.WithMessage("repeated payload failures"), errs.WithCause(err))
			cancel(fatal)
			return fatal
		}
		return nil
	}
	if parsed.Control {
		if parsed.Err != "" {
			c.log.Warn().Str("exchange_error", parsed.Err).Msg("okx error event")
			if c.errors.Record() {
				fatal := errs.New("okx", errs.KindProtocol, errs.WithMessage(parsed.Err))
				cancel(fatal)
				return fatal
			}
		}
		return nil
	}
	c.errors.Reset()

	if parsed.BookSnapshot != nil {
		c.deliverSnapshot(parsed.BookSnapshot)
	}
	if parsed.BookUpdate != nil {
		if err := c.books.Submit(ctx, parsed.BookSymbol, *parsed.BookUpdate); err != nil {
			return err
		}
	}
	for _, rec := range parsed.Records {
		c.metrics.RecordsNormalized.WithLabelValues("okx", string(rec.DataType)).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c.records <- rec:
		}
	}
	return nil
}

// fetchSnapshot resubscribes the books channel for symbol and waits for OKX to
// push a fresh snapshot. Unsolicited snapshots with no waiter are dropped; the
// sequence gap they imply resyncs the book through this same path.
func (c *Connector) fetchSnapshot(ctx context.Context, symbol string) (uint64, []orderbook.Level, []orderbook.Level, error) {
	ch := make(chan *BookSnapshot, 1)
	c.mu.Lock()
	c.waiters[symbol] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.waiters[symbol] == ch {
			delete(c.waiters, symbol)
		}
		c.mu.Unlock()
	}()

	arg := wsArg{Channel: "books", InstID: InstID(symbol, c.cfg.MarketType)}
	if err := c.send(ctx, wsOp{Op: "unsubscribe", Args: []wsArg{arg}}); err != nil {
		return 0, nil, nil, errs.New("okx", errs.KindNetwork, errs.WithCause(err))
	}
	if err := c.send(ctx, wsOp{Op: "subscribe", Args: []wsArg{arg}}); err != nil {
		return 0, nil, nil, errs.New("okx", errs.KindNetwork, errs.WithCause(err))
	}

	timer := time.NewTimer(snapshotTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, nil, nil, ctx.Err()
	case <-timer.C:
		return 0, nil, nil, errs.New("okx", errs.KindNetwork,
			errs.WithMessage("timed out waiting for book snapshot"))
	case snap := <-ch:
		return snap.SeqID, snap.Bids, snap.Asks, nil
	}
}

func (c *Connector) deliverSnapshot(snap *BookSnapshot) {
	c.mu.Lock()
	ch, ok := c.waiters[snap.Symbol]
	if ok {
		delete(c.waiters, snap.Symbol)
	}
	c.mu.Unlock()
	if ok {
		ch <- snap
	}
}

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
			c.metrics.RecordsNormalized.WithLabelValues("okx", string(dataType)).Inc()
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
		return nil, fmt.Errorf("okx: no poller for %s", dataType)
	}
}
