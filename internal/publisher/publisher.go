// Package publisher delivers canonical records to JetStream on deterministic
// subjects with a single-writer-per-subject discipline.
package publisher

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/observability"
	"github.com/marketprism/marketprism/internal/schema"
)

const (
	ackTimeout    = 5 * time.Second
	maxRetries    = 3
	drainEvery    = 5 * time.Second
	drainChunk    = 256
	shutdownDrain = 25 * time.Second
	inboundIdle   = 250 * time.Millisecond
	headerType    = "data_type"
	headerExch    = "exchange"
	headerMkt     = "market_type"
	contentType   = "application/json"
)

var retryDelays = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// JetStream is the publish surface of nats.JetStreamContext, narrowed so
// tests can substitute a fake.
type JetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher fans records out to per-subject workers. Subjects hash to a fixed
// worker, so ordering per subject is preserved while distinct subjects
// publish concurrently.
type Publisher struct {
	js       JetStream
	cfg      config.PublisherConfig
	log      zerolog.Logger
	metrics  *observability.Metrics
	fallback *fallbackQueue
	now      func() time.Time
}

// New builds a publisher over an established JetStream context.
func New(js JetStream, cfg config.PublisherConfig, log zerolog.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		js:       js,
		cfg:      cfg,
		log:      log.With().Str("component", "publisher").Logger(),
		metrics:  metrics,
		fallback: newFallbackQueue(cfg.FallbackQueueSize),
		now:      time.Now,
	}
}

// Run consumes records from in until it closes or ctx is cancelled, then
// drains worker queues and returns. Drain publishes run on a context that
// survives cancellation of ctx, bounded by shutdownDrain, so queued messages
// still reach JetStream inside the termination grace period.
func (p *Publisher) Run(ctx context.Context, in <-chan *schema.Record) error {
	pubCtx, cancelPub := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPub()

	workers := make([]chan *nats.Msg, p.cfg.Workers)
	var wg conc.WaitGroup
	for i := range workers {
		ch := make(chan *nats.Msg, 128)
		workers[i] = ch
		wg.Go(func() {
			for msg := range ch {
				p.publishMsg(pubCtx, msg)
			}
		})
	}
	stopDrain := make(chan struct{})
	wg.Go(func() { p.drainFallback(pubCtx, stopDrain) })

	shutdown := func(cause error) error {
		timer := time.AfterFunc(shutdownDrain, cancelPub)
		defer timer.Stop()
		if cause != nil {
			p.forwardRemaining(in, workers)
		}
		close(stopDrain)
		for _, ch := range workers {
			close(ch)
		}
		wg.Wait()
		p.flushFallback(pubCtx)
		return cause
	}

	for {
		select {
		case <-ctx.Done():
			return shutdown(ctx.Err())
		case rec, ok := <-in:
			if !ok {
				return shutdown(nil)
			}
			msg, subject, err := p.encode(rec)
			if err != nil {
				p.reject(rec, subject, err)
				continue
			}
			workers[subjectShard(subject, len(workers))] <- msg
		}
	}
}

func (p *Publisher) reject(rec *schema.Record, subject string, err error) {
	p.metrics.SubjectRejected.Inc()
	p.metrics.RecordsRejected.WithLabelValues(string(rec.Exchange), string(rec.DataType)).Inc()
	p.log.Warn().Err(err).Str("subject", subject).Msg("record rejected")
}

// forwardRemaining hands records still buffered in the inbound channel to the
// workers. Producers stop once ctx is cancelled, so the channel going idle
// marks the end of the backlog.
func (p *Publisher) forwardRemaining(in <-chan *schema.Record, workers []chan *nats.Msg) {
	idle := time.NewTimer(inboundIdle)
	defer idle.Stop()
	for {
		select {
		case rec, ok := <-in:
			if !ok {
				return
			}
			msg, subject, err := p.encode(rec)
			if err != nil {
				p.reject(rec, subject, err)
				continue
			}
			workers[subjectShard(subject, len(workers))] <- msg
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(inboundIdle)
		case <-idle.C:
			return
		}
	}
}

// encode validates the record, derives its subject, and renders the message.
func (p *Publisher) encode(rec *schema.Record) (*nats.Msg, string, error) {
	if err := schema.Validate(rec, p.now()); err != nil {
		return nil, "", err
	}
	subject, err := schema.Subject(rec.DataType, rec.Exchange, rec.MarketType, rec.Symbol)
	if err != nil {
		return nil, subject, err
	}
	data, err := schema.MarshalRecord(rec)
	if err != nil {
		return nil, subject, err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(headerType, string(rec.DataType))
	msg.Header.Set(headerExch, string(rec.Exchange))
	msg.Header.Set(headerMkt, string(rec.MarketType))
	msg.Header.Set("content_type", contentType)
	return msg, subject, nil
}

// publishMsg attempts delivery with bounded ack latency; after the final
// retry the message moves to the fallback queue.
func (p *Publisher) publishMsg(ctx context.Context, msg *nats.Msg) {
	var err error
	for attempt := 0; ; attempt++ {
		start := p.now()
		err = p.tryPublish(ctx, msg)
		if err == nil {
			p.metrics.Published.WithLabelValues(msg.Header.Get(headerType)).Inc()
			p.metrics.PublishAckLag.Observe(p.now().Sub(start).Seconds())
			return
		}
		if attempt >= maxRetries || ctx.Err() != nil {
			break
		}
		p.metrics.PublishRetries.WithLabelValues(msg.Header.Get(headerType)).Inc()
		if !sleepCtx(ctx, retryDelays[min(attempt, len(retryDelays)-1)]) {
			break
		}
	}
	p.metrics.PublishFailures.WithLabelValues(msg.Header.Get(headerType)).Inc()
	p.log.Warn().Err(err).Str("subject", msg.Subject).Msg("publish failed, queueing to fallback")
	if dropped := p.fallback.push(msg); dropped {
		p.metrics.FallbackDropped.Inc()
	}
	p.metrics.FallbackQueued.Inc()
	p.metrics.FallbackDepth.Set(float64(p.fallback.len()))
}

func (p *Publisher) tryPublish(ctx context.Context, msg *nats.Msg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	_, err := p.js.PublishMsg(msg, nats.Context(pubCtx))
	return err
}

// drainFallback periodically replays queued messages; a failure stops the
// round and requeues the message at the front.
func (p *Publisher) drainFallback(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(drainEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
		for i := 0; i < drainChunk; i++ {
			msg, ok := p.fallback.pop()
			if !ok {
				break
			}
			if err := p.tryPublish(ctx, msg); err != nil {
				p.fallback.pushFront(msg)
				break
			}
			p.metrics.Published.WithLabelValues(msg.Header.Get(headerType)).Inc()
		}
		p.metrics.FallbackDepth.Set(float64(p.fallback.len()))
	}
}

// flushFallback makes a final delivery pass over the fallback queue before
// Run returns. The first failure ends the pass; anything still queued is
// lost when the process exits, so the remainder is logged.
func (p *Publisher) flushFallback(ctx context.Context) {
	for {
		msg, ok := p.fallback.pop()
		if !ok {
			break
		}
		if err := p.tryPublish(ctx, msg); err != nil {
			p.fallback.pushFront(msg)
			p.log.Error().Err(err).Int("queued", p.fallback.len()).Msg("fallback flush incomplete, queued messages will be lost")
			break
		}
		p.metrics.Published.WithLabelValues(msg.Header.Get(headerType)).Inc()
	}
	p.metrics.FallbackDepth.Set(float64(p.fallback.len()))
}

func subjectShard(subject string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	return int(h.Sum32() % uint32(workers))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
