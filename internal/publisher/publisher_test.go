package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/observability"
	"github.com/marketprism/marketprism/internal/schema"
)

type fakeJetStream struct {
	mu       sync.Mutex
	msgs     []*nats.Msg
	failures int
}

func (f *fakeJetStream) PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("nats: timeout")
	}
	f.msgs = append(f.msgs, m)
	return &nats.PubAck{Stream: MarketDataStream}, nil
}

func (f *fakeJetStream) published() []*nats.Msg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*nats.Msg(nil), f.msgs...)
}

func testRecord(t *testing.T) *schema.Record {
	t.Helper()
	price, err := schema.NumberFromString("45000.50")
	require.NoError(t, err)
	qty, err := schema.NumberFromString("0.1")
	require.NoError(t, err)
	return &schema.Record{
		Timestamp:  time.Now().UTC(),
		Exchange:   schema.ExchangeBinance,
		MarketType: schema.MarketTypeSpot,
		Symbol:     "BTC-USDT",
		DataType:   schema.DataTypeTrade,
		Payload: schema.TradePayload{
			TradeID: "12345", Price: price, Quantity: qty, Side: schema.SideBuy,
		},
	}
}

func newTestPublisher(js JetStream) *Publisher {
	cfg := config.PublisherConfig{Workers: 2, FallbackQueueSize: 4}
	return New(js, cfg, zerolog.Nop(), observability.NewMetrics("test"))
}

func TestRunPublishesRecords(t *testing.T) {
	js := &fakeJetStream{}
	p := newTestPublisher(js)

	in := make(chan *schema.Record, 1)
	in <- testRecord(t)
	close(in)

	require.NoError(t, p.Run(context.Background(), in))

	msgs := js.published()
	require.Len(t, msgs, 1)
	require.Equal(t, "trade.binance.spot.BTC-USDT", msgs[0].Subject)
	require.Equal(t, "trade", msgs[0].Header.Get("data_type"))
	require.Equal(t, "binance", msgs[0].Header.Get("exchange"))
	require.Equal(t, "spot", msgs[0].Header.Get("market_type"))
	require.Equal(t, "application/json", msgs[0].Header.Get("content_type"))
}

func TestRunRejectsInvalidRecord(t *testing.T) {
	js := &fakeJetStream{}
	p := newTestPublisher(js)

	rec := testRecord(t)
	rec.Symbol = ""

	in := make(chan *schema.Record, 1)
	in <- rec
	close(in)

	require.NoError(t, p.Run(context.Background(), in))
	require.Empty(t, js.published())
	require.Equal(t, 1.0, testutil.ToFloat64(p.metrics.RecordsRejected.WithLabelValues("binance", "trade")))
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	js := &fakeJetStream{failures: 2}
	p := newTestPublisher(js)

	msg, _, err := p.encode(testRecord(t))
	require.NoError(t, err)

	p.publishMsg(context.Background(), msg)
	require.Len(t, js.published(), 1)
	require.Zero(t, p.fallback.len())
}

func TestPublishExhaustedGoesToFallback(t *testing.T) {
	js := &fakeJetStream{failures: 100}
	p := newTestPublisher(js)

	msg, _, err := p.encode(testRecord(t))
	require.NoError(t, err)

	p.publishMsg(context.Background(), msg)
	require.Equal(t, 1, p.fallback.len())
}

func TestRunDrainsBufferedRecordsOnCancel(t *testing.T) {
	js := &fakeJetStream{}
	p := newTestPublisher(js)

	in := make(chan *schema.Record, 8)
	for i := 0; i < 5; i++ {
		in <- testRecord(t)
	}

	// The run context is already cancelled, the exact state of a SIGTERM
	// drain. Buffered records must still reach JetStream, not the fallback.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Run(ctx, in), context.Canceled)

	require.Len(t, js.published(), 5)
	require.Zero(t, p.fallback.len())
}

func TestFlushFallbackDeliversQueuedMessages(t *testing.T) {
	js := &fakeJetStream{}
	p := newTestPublisher(js)

	msg, _, err := p.encode(testRecord(t))
	require.NoError(t, err)
	p.fallback.push(msg)

	p.flushFallback(context.Background())
	require.Len(t, js.published(), 1)
	require.Zero(t, p.fallback.len())
}

func TestFlushFallbackKeepsQueueOnFailure(t *testing.T) {
	js := &fakeJetStream{failures: 100}
	p := newTestPublisher(js)

	msg, _, err := p.encode(testRecord(t))
	require.NoError(t, err)
	p.fallback.push(msg)

	p.flushFallback(context.Background())
	require.Empty(t, js.published())
	require.Equal(t, 1, p.fallback.len())
}

func TestFallbackQueueDropsOldest(t *testing.T) {
	q := newFallbackQueue(2)
	a := nats.NewMsg("trade.binance.spot.A-USDT")
	b := nats.NewMsg("trade.binance.spot.B-USDT")
	c := nats.NewMsg("trade.binance.spot.C-USDT")

	require.False(t, q.push(a))
	require.False(t, q.push(b))
	require.True(t, q.push(c))

	first, ok := q.pop()
	require.True(t, ok)
	require.Equal(t, b.Subject, first.Subject)
}

func TestFallbackPushFront(t *testing.T) {
	q := newFallbackQueue(2)
	a := nats.NewMsg("trade.binance.spot.A-USDT")
	b := nats.NewMsg("trade.binance.spot.B-USDT")
	q.push(a)
	q.pushFront(b)

	first, _ := q.pop()
	require.Equal(t, b.Subject, first.Subject)
}

func TestSubjectShardIsStable(t *testing.T) {
	s1 := subjectShard("trade.binance.spot.BTC-USDT", 8)
	s2 := subjectShard("trade.binance.spot.BTC-USDT", 8)
	require.Equal(t, s1, s2)
	require.GreaterOrEqual(t, s1, 0)
	require.Less(t, s1, 8)
}

func TestStreamConfigs(t *testing.T) {
	cfgs := streamConfigs()
	require.Len(t, cfgs, 2)
	require.Equal(t, MarketDataStream, cfgs[0].Name)
	require.NotContains(t, cfgs[0].Subjects, "orderbook.>")
	require.Len(t, cfgs[0].Subjects, 7)
	require.Equal(t, []string{"orderbook.>"}, cfgs[1].Subjects)
	require.Equal(t, 6*time.Hour, cfgs[1].MaxAge)

	require.Equal(t, OrderbookStream, StreamFor(schema.DataTypeOrderbook))
	require.Equal(t, MarketDataStream, StreamFor(schema.DataTypeTrade))
}
