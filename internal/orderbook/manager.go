package orderbook

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/marketprism/marketprism/internal/observability"
	"github.com/marketprism/marketprism/internal/schema"
)

const (
	gapWindow        = 10 * time.Second
	gapCooldownAfter = 100
	gapCooldown      = 30 * time.Second
	housekeepEvery   = 10 * time.Second

	snapshotBackoffBase = time.Second
	snapshotBackoffCap  = 30 * time.Second
)

// SnapshotFetcher retrieves a REST depth snapshot for a symbol, returning the
// snapshot sequence id and both sides. Implementations must honour the
// exchange rate budget.
type SnapshotFetcher func(ctx context.Context, symbol string) (lastUpdateID uint64, bids, asks []Level, err error)

// Config wires a manager to one (exchange, market-type) connector.
type Config struct {
	Exchange     schema.Exchange
	MarketType   schema.MarketType
	Mode         SequenceMode
	Depth        int
	EmitInterval time.Duration
	Fetch        SnapshotFetcher
}

// Manager owns one update loop per tracked symbol. Each book is mutated only
// by its own loop; downstream readers see immutable snapshot records on Out.
type Manager struct {
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics
	out     chan *schema.Record

	mu    sync.Mutex
	books map[string]*bookLoop
	wg    sync.WaitGroup
}

type bookLoop struct {
	updates chan Update
	resync  chan struct{}
	cancel  context.CancelFunc
}

// NewManager constructs a manager emitting snapshot records on Out.
func NewManager(cfg Config, log zerolog.Logger, metrics *observability.Metrics) *Manager {
	if cfg.Depth <= 0 {
		cfg.Depth = 400
	}
	if cfg.EmitInterval <= 0 {
		cfg.EmitInterval = time.Second
	}
	return &Manager{
		cfg:     cfg,
		log:     log.With().Str("component", "orderbook").Str("exchange", string(cfg.Exchange)).Logger(),
		metrics: metrics,
		out:     make(chan *schema.Record, 256),
		books:   make(map[string]*bookLoop),
	}
}

// Out delivers periodic canonical orderbook records for all tracked symbols.
func (m *Manager) Out() <-chan *schema.Record { return m.out }

// Track starts (idempotently) the update loop for symbol.
func (m *Manager) Track(ctx context.Context, symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[symbol]; exists {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	loop := &bookLoop{
		updates: make(chan Update, 512),
		resync:  make(chan struct{}, 1),
		cancel:  cancel,
	}
	m.books[symbol] = loop
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(loopCtx, symbol, loop)
	}()
}

// Submit routes an incremental update to the symbol's loop. Channel fullness
// propagates backpressure to the connector read loop.
func (m *Manager) Submit(ctx context.Context, symbol string, upd Update) error {
	m.mu.Lock()
	loop, ok := m.books[symbol]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case loop.updates <- upd:
		return nil
	}
}

// ResyncAll marks every tracked book unsynced and schedules a fresh snapshot.
// Called from the connector's reconnect hook: updates missed during the
// outage do not always show up as sequence gaps, so the book cannot be
// trusted until it is re-seeded.
func (m *Manager) ResyncAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, loop := range m.books {
		select {
		case loop.resync <- struct{}{}:
		default:
		}
	}
}

// Close stops every loop and waits for them to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, loop := range m.books {
		loop.cancel()
	}
	m.books = make(map[string]*bookLoop)
	m.mu.Unlock()
	m.wg.Wait()
	close(m.out)
}

func (m *Manager) run(ctx context.Context, symbol string, loop *bookLoop) {
	book := NewBook(m.cfg.Exchange, symbol, m.cfg.Mode)
	log := m.log.With().Str("symbol", symbol).Logger()

	emit := time.NewTicker(m.cfg.EmitInterval)
	defer emit.Stop()
	housekeep := time.NewTicker(housekeepEvery)
	defer housekeep.Stop()

	var gaps []time.Time
	var lastEmittedID uint64

	if !m.resync(ctx, book, symbol, loop, log) {
		return
	}

	for {
		m.setSyncGauge(symbol, book.State())
		select {
		case <-ctx.Done():
			return

		case <-loop.resync:
			m.metrics.BookResyncs.WithLabelValues(string(m.cfg.Exchange), symbol).Inc()
			log.Info().Msg("connection reestablished, re-seeding book")
			if !m.resync(ctx, book, symbol, loop, log) {
				return
			}

		case upd := <-loop.updates:
			applied, err := book.ApplyUpdate(upd)
			if err != nil {
				m.metrics.BookResyncs.WithLabelValues(string(m.cfg.Exchange), symbol).Inc()
				log.Warn().Err(err).Msg("book invalidated, scheduling re-snapshot")

				now := time.Now()
				gaps = append(gaps, now)
				gaps = pruneOlder(gaps, now.Add(-gapWindow))
				if len(gaps) > gapCooldownAfter {
					log.Warn().Int("gaps", len(gaps)).Dur("cooldown", gapCooldown).
						Msg("gap storm, cooling down before re-snapshot")
					if !sleepDraining(ctx, book, loop, gapCooldown) {
						return
					}
					gaps = gaps[:0]
				}
				if !m.resync(ctx, book, symbol, loop, log) {
					return
				}
				continue
			}
			_ = applied

		case <-emit.C:
			if !book.Synced() || book.LastUpdateID() == lastEmittedID {
				continue
			}
			rec := &schema.Record{
				Timestamp:  time.Now().UTC(),
				Exchange:   m.cfg.Exchange,
				MarketType: m.cfg.MarketType,
				Symbol:     symbol,
				DataType:   schema.DataTypeOrderbook,
				Payload:    book.Snapshot(m.cfg.Depth),
			}
			select {
			case <-ctx.Done():
				return
			case m.out <- rec:
				lastEmittedID = book.LastUpdateID()
				m.metrics.BookEmits.WithLabelValues(string(m.cfg.Exchange), symbol).Inc()
			}

		case <-housekeep.C:
			if discarded := book.DiscardStaleBuffer(); discarded > 0 {
				m.metrics.BookStaleDiscards.WithLabelValues(string(m.cfg.Exchange), symbol).
					Add(float64(discarded))
			}
		}
	}
}

type snapResult struct {
	lastID uint64
	bids   []Level
	asks   []Level
	err    error
}

// resync drives UNSYNCED → SNAPSHOT_PENDING → SYNCED, retrying the REST
// snapshot with exponential backoff. Live updates keep draining from the loop
// channel into the book's buffer the whole time, so a slow snapshot never
// backs up Submit into the connector read loop.
func (m *Manager) resync(ctx context.Context, book *Book, symbol string, loop *bookLoop, log zerolog.Logger) bool {
	book.Invalidate()
	book.MarkSnapshotPending()
	m.setSyncGauge(symbol, book.State())

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = snapshotBackoffBase
	bo.MaxInterval = snapshotBackoffCap

	for {
		result := make(chan snapResult, 1)
		go func() {
			lastID, bids, asks, err := m.cfg.Fetch(ctx, symbol)
			result <- snapResult{lastID: lastID, bids: bids, asks: asks, err: err}
		}()

		snap, ok := waitDraining(ctx, book, loop, result)
		if !ok {
			return false
		}
		err := snap.err
		if err == nil {
			if err = book.ApplySnapshot(snap.lastID, snap.bids, snap.asks); err == nil {
				log.Info().Uint64("last_update_id", snap.lastID).Msg("book synchronised")
				m.setSyncGauge(symbol, book.State())
				return true
			}
			// Replay over the snapshot gapped; take a fresh snapshot.
			book.MarkSnapshotPending()
		}
		if ctx.Err() != nil {
			return false
		}
		log.Warn().Err(err).Msg("snapshot attempt failed")
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = snapshotBackoffCap
		}
		if !sleepDraining(ctx, book, loop, wait) {
			return false
		}
	}
}

// waitDraining buffers incoming updates into the book until the snapshot
// fetch resolves.
func waitDraining(ctx context.Context, book *Book, loop *bookLoop, result <-chan snapResult) (snapResult, bool) {
	for {
		select {
		case <-ctx.Done():
			return snapResult{}, false
		case upd := <-loop.updates:
			_, _ = book.ApplyUpdate(upd)
		case snap := <-result:
			return snap, true
		}
	}
}

// sleepDraining waits out d, buffering updates instead of letting them queue.
func sleepDraining(ctx context.Context, book *Book, loop *bookLoop, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case upd := <-loop.updates:
			_, _ = book.ApplyUpdate(upd)
		case <-timer.C:
			return true
		}
	}
}

func (m *Manager) setSyncGauge(symbol string, state State) {
	m.metrics.BookSyncState.WithLabelValues(string(m.cfg.Exchange), symbol).Set(float64(state))
}

func pruneOlder(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

