package deribit

import (
	"context"
	"fmt"
	"strings"
	"sync"
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
	WSURL = "wss://www.deribit.com/ws/api/v2"

	heartbeatInterval = 30
	snapshotTimeout   = 15 * time.Second

	errWindowLimit = 5
	errWindowSpan  = time.Minute
)

// Config describes one Deribit connector instance.
type Config struct {
	MarketType   schema.MarketType
	WSURL        string
	Depth        int
	EmitInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.WSURL == "" {
		c.WSURL = WSURL
	}
	if c.MarketType == "" {
		c.MarketType = schema.MarketTypeOptions
	}
}

// Connector sustains the Deribit JSON-RPC websocket and emits canonical
// records. Book snapshots arrive as the first notification after a subscribe,
// so the book manager's fetch resubscribes and waits for the push.
type Connector struct {
	cfg     Config
	parser  *Parser
	subs    *shared.SubscriptionSet
	books   *orderbook.Manager
	log     zerolog.Logger
	metrics *observability.Metrics

	records chan *schema.Record
	errors  *shared.ErrorWindow
	session *shared.WSSession
	rpcID   atomic.Int64

	mu      sync.Mutex
	waiters map[string]chan *BookSnapshot
}

// New builds a connector. Run must be called before records flow.
func New(cfg Config, log zerolog.Logger, metrics *observability.Metrics) *Connector {
	cfg.applyDefaults()
	c := &Connector{
		cfg:     cfg,
		parser:  NewParser(cfg.MarketType),
		subs:    shared.NewSubscriptionSet(),
		log:     log.With().Str("exchange", "deribit").Str("market_type", string(cfg.MarketType)).Logger(),
		metrics: metrics,
		records: make(chan *schema.Record, 1024),
		errors:  shared.NewErrorWindow(errWindowLimit, errWindowSpan),
		waiters: make(map[string]chan *BookSnapshot),
	}
	c.books = orderbook.NewManager(orderbook.Config{
		Exchange:     schema.ExchangeDeribit,
		MarketType:   cfg.MarketType,
		Mode:         orderbook.SequenceOKX,
		Depth:        cfg.Depth,
		EmitInterval: cfg.EmitInterval,
		Fetch:        c.fetchSnapshot,
	}, log, metrics)
	return c
}

// Name implements adapters.Connector.
func (c *Connector) Name() schema.Exchange { return schema.ExchangeDeribit }

// Records implements adapters.Connector.
func (c *Connector) Records() <-chan *schema.Record { return c.records }

// Subscribe registers interest in (symbol, dataType). Symbols are Deribit
// instrument names (BTC-PERPETUAL, BTC-27MAR26-60000-C) or, for the
// volatility index, the underlying pair (BTC-USD).
func (c *Connector) Subscribe(symbol string, dataType schema.DataType) error {
	switch dataType {
	case schema.DataTypeTrade, schema.DataTypeOrderbook, schema.DataTypeVolatilityIndex:
	default:
		return fmt.Errorf("deribit: unsupported data type %q", dataType)
	}
	c.subs.Add(shared.Subscription{Symbol: schema.NormalizeSymbol(symbol), DataType: dataType})
	return nil
}

// Run drives the session and book loops until ctx is cancelled or repeated
// payload failures trip the error window.
func (c *Connector) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	for _, symbol := range c.subs.Symbols(schema.DataTypeOrderbook) {
		c.books.Track(runCtx, symbol)
	}

	var wg conc.WaitGroup
	wg.Go(func() { c.forwardBooks(runCtx) })

	c.session = shared.NewWSSession(shared.WSConfig{
		URL:       c.cfg.WSURL,
		OnConnect: c.onConnect,
	}, c.log, func() {
		c.metrics.Reconnects.WithLabelValues("deribit").Inc()
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

func (c *Connector) onConnect(ctx context.Context) error {
	if err := c.call(ctx, "public/set_heartbeat", map[string]any{"interval": heartbeatInterval}); err != nil {
		return err
	}
	channels := c.channels()
	if len(channels) == 0 {
		return nil
	}
	return c.call(ctx, "public/subscribe", map[string]any{"channels": channels})
}

func (c *Connector) channels() []string {
	var out []string
	for _, sub := range c.subs.All() {
		switch sub.DataType {
		case schema.DataTypeTrade:
			out = append(out, "trades."+sub.Symbol+".raw")
		case schema.DataTypeOrderbook:
			out = append(out, "book."+sub.Symbol+".raw")
		case schema.DataTypeVolatilityIndex:
			out = append(out, "deribit_volatility_index."+indexName(sub.Symbol))
		}
	}
	return out
}

// call sends one JSON-RPC request; replies are matched loosely since every
// public method used here is fire-and-forget.
func (c *Connector) call(ctx context.Context, method string, params any) error {
	req := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: c.rpcID.Add(1), Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.session.Write(ctx, payload)
}

func (c *Connector) handleFrame(ctx context.Context, frame []byte, cancel context.CancelCauseFunc) error {
	c.metrics.RawMessages.WithLabelValues("deribit", string(c.cfg.MarketType)).Inc()
	parsed, err := c.parser.ParseFrame(frame, time.Now().UTC())
	if err != nil {
		c.metrics.MalformedMessages.WithLabelValues("deribit").Inc()
		c.log.Warn().Err(err).Msg("dropping malformed frame")
		if c.errors.Record() {
			fatal := errs.New("deribit", errs.KindProtocol,
				errs.WithMessage("repeated payload failures"), errs.WithCause(err))
			cancel(fatal)
			return fatal
		}
		return nil
	}
	if parsed.Control {
		if parsed.TestRequest {
			if err := c.call(ctx, "public/test", nil); err != nil {
				c.log.Warn().Err(err).Msg("heartbeat reply failed")
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
		c.metrics.RecordsNormalized.WithLabelValues("deribit", string(rec.DataType)).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c.records <- rec:
		}
	}
	return nil
}

// fetchSnapshot resubscribes the book channel and waits for the snapshot
// Deribit pushes as the first notification.
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

	channel := "book." + symbol + ".raw"
	if err := c.call(ctx, "public/unsubscribe", map[string]any{"channels": []string{channel}}); err != nil {
		return 0, nil, nil, errs.New("deribit", errs.KindNetwork, errs.WithCause(err))
	}
	if err := c.call(ctx, "public/subscribe", map[string]any{"channels": []string{channel}}); err != nil {
		return 0, nil, nil, errs.New("deribit", errs.KindNetwork, errs.WithCause(err))
	}

	timer := time.NewTimer(snapshotTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, nil, nil, ctx.Err()
	case <-timer.C:
		return 0, nil, nil, errs.New("deribit", errs.KindNetwork,
			errs.WithMessage("timed out waiting for book snapshot"))
	case snap := <-ch:
		return snap.ChangeID, snap.Bids, snap.Asks, nil
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

// indexName maps BTC-USD to Deribit's btc_usd volatility index identifier.
func indexName(symbol string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "-", "_"))
}
