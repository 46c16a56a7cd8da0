// Package consumer pulls canonical records from JetStream and lands them in
// the hot store in batches. A message is acknowledged only once its batch is
// inserted or spooled, so a crash replays instead of losing data.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/marketprism/marketprism/errs"
	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/observability"
	"github.com/marketprism/marketprism/internal/publisher"
	"github.com/marketprism/marketprism/internal/schema"
	"github.com/marketprism/marketprism/internal/storage/clickhouse"
	"github.com/marketprism/marketprism/lib/async"
)

// insertRetryDelays paces the attempts against a struggling store before the
// batch goes to the spool.
var insertRetryDelays = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// DurablePrefix namespaces the per-type durable consumers.
const DurablePrefix = "hotstore"

// Msg is the slice of a JetStream message the pipeline needs.
type Msg interface {
	Data() []byte
	Ack() error
	Nak() error
}

// Fetcher pulls message batches for one durable consumer.
type Fetcher interface {
	Fetch(ctx context.Context, max int, wait time.Duration) ([]Msg, error)
}

// SubscribeFunc binds a durable pull consumer for one data type.
type SubscribeFunc func(dt schema.DataType) (Fetcher, error)

// Inserter lands one same-type batch, returning the row count.
type Inserter interface {
	Insert(ctx context.Context, records []*schema.Record) (int, error)
}

// Spooler persists a batch that could not be inserted.
type Spooler interface {
	Write(table string, records []*schema.Record) error
}

// Consumer owns one pipeline per data type.
type Consumer struct {
	cfg       config.ConsumerConfig
	subscribe SubscribeFunc
	store     Inserter
	spool     Spooler
	pool      *async.Pool
	log       zerolog.Logger
	metrics   *observability.Metrics
	sleep     func(ctx context.Context, d time.Duration) error
}

// New builds a consumer over the given source, store and spool. The pool
// bounds how many batches hit ClickHouse at once across all pipelines.
func New(cfg config.ConsumerConfig, subscribe SubscribeFunc, store Inserter, spool Spooler, log zerolog.Logger, metrics *observability.Metrics) (*Consumer, error) {
	pool, err := async.NewPool(4, len(schema.DataTypes))
	if err != nil {
		return nil, err
	}
	return &Consumer{
		cfg:       cfg,
		subscribe: subscribe,
		store:     store,
		spool:     spool,
		pool:      pool,
		log:       log.With().Str("component", "consumer").Logger(),
		metrics:   metrics,
		sleep:     sleepCtx,
	}, nil
}

// Run drives every pipeline until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	fetchers := make(map[schema.DataType]Fetcher, len(schema.DataTypes))
	for _, dt := range schema.DataTypes {
		fetcher, err := c.subscribe(dt)
		if err != nil {
			c.pool.Close()
			return err
		}
		fetchers[dt] = fetcher
	}

	var wg conc.WaitGroup
	for _, dt := range schema.DataTypes {
		dt := dt
		wg.Go(func() { c.pipeline(ctx, dt, fetchers[dt]) })
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return c.pool.Shutdown(shutdownCtx)
}

// pipeline accumulates messages for one data type and flushes on size or age.
func (c *Consumer) pipeline(ctx context.Context, dt schema.DataType, fetcher Fetcher) {
	size := c.cfg.BatchSize(dt)
	interval := c.cfg.FlushInterval(dt)
	log := c.log.With().Str("data_type", string(dt)).Logger()

	batch := make([]Msg, 0, size)
	deadline := time.Now().Add(interval)
	for {
		if ctx.Err() != nil {
			c.flush(context.WithoutCancel(ctx), dt, batch, log)
			return
		}
		if len(batch) >= size || (len(batch) > 0 && !time.Now().Before(deadline)) {
			c.flush(ctx, dt, batch, log)
			batch = batch[:0]
			deadline = time.Now().Add(interval)
		}

		wait := time.Until(deadline)
		if len(batch) == 0 {
			wait = interval
		}
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		msgs, err := fetcher.Fetch(ctx, size-len(batch), wait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
				log.Warn().Err(err).Msg("fetch failed")
				_ = c.sleep(ctx, time.Second)
			}
			continue
		}
		if len(batch) == 0 && len(msgs) > 0 {
			deadline = time.Now().Add(interval)
		}
		batch = append(batch, msgs...)
	}
}

// flush decodes, inserts (or spools) and finally acks one batch.
func (c *Consumer) flush(ctx context.Context, dt schema.DataType, batch []Msg, log zerolog.Logger) {
	if len(batch) == 0 {
		return
	}
	err := c.pool.Do(ctx, func(ctx context.Context) error {
		c.flushBatch(ctx, dt, batch, log)
		return nil
	})
	if err != nil {
		// Pool unavailable: run inline rather than dropping acks on the floor.
		c.flushBatch(ctx, dt, batch, log)
	}
}

func (c *Consumer) flushBatch(ctx context.Context, dt schema.DataType, batch []Msg, log zerolog.Logger) {
	records := make([]*schema.Record, 0, len(batch))
	keep := batch[:0]
	for _, m := range batch {
		rec, err := schema.UnmarshalRecord(m.Data())
		if err != nil || rec.DataType != dt {
			if err == nil {
				err = fmt.Errorf("consumer: %s message on %s pipeline", rec.DataType, dt)
			}
			log.Error().Err(err).Msg("dropping undecodable message")
			c.metrics.ErrorsByKind.WithLabelValues(string(errs.KindProtocol), "consumer").Inc()
			c.ackOne(m, log)
			continue
		}
		records = append(records, rec)
		keep = append(keep, m)
	}
	if len(records) == 0 {
		return
	}

	if err := c.insertWithRetry(ctx, records); err != nil {
		table, _ := clickhouse.TableFor(dt)
		if spoolErr := c.spool.Write(table, records); spoolErr != nil {
			log.Error().Err(spoolErr).Int("records", len(records)).Msg("insert and spool both failed, redelivering")
			for _, m := range keep {
				if nakErr := m.Nak(); nakErr != nil {
					log.Warn().Err(nakErr).Msg("nak failed")
				}
			}
			return
		}
		log.Warn().Err(err).Int("records", len(records)).Msg("batch spooled after insert retries")
	}

	for _, m := range keep {
		c.ackOne(m, log)
	}
	c.metrics.AcksCommitted.WithLabelValues(string(dt)).Add(float64(len(keep)))
}

func (c *Consumer) insertWithRetry(ctx context.Context, records []*schema.Record) error {
	var err error
	for attempt := 0; ; attempt++ {
		if _, err = c.store.Insert(ctx, records); err == nil {
			return nil
		}
		if attempt >= len(insertRetryDelays) {
			return err
		}
		if sleepErr := c.sleep(ctx, insertRetryDelays[attempt]); sleepErr != nil {
			return err
		}
	}
}

func (c *Consumer) ackOne(m Msg, log zerolog.Logger) {
	if err := m.Ack(); err != nil {
		log.Warn().Err(err).Msg("ack failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// JetStreamSource adapts a JetStream context into per-type pull fetchers with
// the durable settings the hot path needs: explicit ack, 60s ack wait, and a
// last-per-subject deliver policy for the orderbook firehose, so a fresh
// durable starts from the newest snapshot of every symbol.
func JetStreamSource(js nats.JetStreamContext, natsCfg config.NATSConfig, metrics *observability.Metrics) SubscribeFunc {
	return func(dt schema.DataType) (Fetcher, error) {
		opts := []nats.SubOpt{
			nats.AckExplicit(),
			nats.AckWait(natsCfg.AckWait()),
			nats.MaxAckPending(1024),
			nats.BindStream(publisher.StreamFor(dt)),
		}
		if dt == schema.DataTypeOrderbook {
			opts = append(opts, nats.DeliverLastPerSubject())
		} else {
			opts = append(opts, nats.DeliverAll())
		}
		sub, err := js.PullSubscribe(string(dt)+".>", DurablePrefix+"_"+string(dt), opts...)
		if err != nil {
			return nil, errs.New("consumer", errs.KindNetwork, errs.WithCause(err))
		}
		return &jsFetcher{sub: sub, dt: dt, metrics: metrics}, nil
	}
}

type jsFetcher struct {
	sub     *nats.Subscription
	dt      schema.DataType
	metrics *observability.Metrics
}

func (f *jsFetcher) Fetch(ctx context.Context, max int, wait time.Duration) ([]Msg, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	raw, err := f.sub.Fetch(max, nats.Context(fetchCtx))
	if err != nil {
		return nil, err
	}
	if info, infoErr := f.sub.ConsumerInfo(); infoErr == nil {
		f.metrics.ConsumerBacklog.WithLabelValues(string(f.dt)).Set(float64(info.NumPending))
	}
	msgs := make([]Msg, len(raw))
	for i, m := range raw {
		msgs[i] = jsMsg{m}
	}
	return msgs, nil
}

type jsMsg struct{ m *nats.Msg }

func (m jsMsg) Data() []byte { return m.m.Data }
func (m jsMsg) Ack() error   { return m.m.Ack() }
func (m jsMsg) Nak() error   { return m.m.Nak() }
