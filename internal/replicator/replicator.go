// Package replicator copies aged rows from the hot database to the cold one
// in tumbling windows, tracking progress per table so a restart resumes at
// the last committed window instead of re-scanning history.
package replicator

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"

	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/observability"
	"github.com/marketprism/marketprism/internal/schema"
	"github.com/marketprism/marketprism/internal/storage/clickhouse"
)

const (
	tickInterval = 30 * time.Second
	copyTimeout  = 10 * time.Minute
)

// windowRetryDelays paces re-attempts of a failed window copy; the last entry
// repeats as the cap.
var windowRetryDelays = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 5 * time.Minute}

// Store is the slice of the ClickHouse client the replicator needs.
type Store interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
}

// Replicator advances one tumbling window at a time per table.
type Replicator struct {
	cfg     config.ReplicatorConfig
	hotDB   string
	coldDB  string
	store   Store
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New builds a replicator over the given store and database pair.
func New(cfg config.ReplicatorConfig, ch config.ClickHouseConfig, store Store, log zerolog.Logger, metrics *observability.Metrics) *Replicator {
	return &Replicator{
		cfg:     cfg,
		hotDB:   ch.Database,
		coldDB:  ch.ColdDatabase,
		store:   store,
		log:     log.With().Str("component", "replicator").Logger(),
		metrics: metrics,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// ApplyRetention aligns every cold table's TTL with the configured retention.
// Migrations create the tables with the default; the knob takes effect here.
func (r *Replicator) ApplyRetention(ctx context.Context) error {
	for _, table := range tableNames() {
		if err := r.store.Exec(ctx,
			fmt.Sprintf("ALTER TABLE %s.%s MODIFY TTL toDateTime(timestamp) + INTERVAL %d DAY",
				r.coldDB, table, r.cfg.RetentionDaysCold)); err != nil {
			return err
		}
	}
	return nil
}

// Run ticks until ctx is cancelled, catching every table up to the safety
// horizon on each pass.
func (r *Replicator) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		if err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("replication pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick replicates every eligible window of every table.
func (r *Replicator) Tick(ctx context.Context) error {
	for _, table := range tableNames() {
		if err := r.catchUp(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

// catchUp copies windows for one table until the safety horizon is reached.
func (r *Replicator) catchUp(ctx context.Context, table string) error {
	horizon := r.now().Add(-r.cfg.SafetyLag()).Truncate(r.cfg.Window())
	last, err := r.lastWindowEnd(ctx, table)
	if err != nil {
		return err
	}
	if last.IsZero() {
		last, err = r.firstWindowStart(ctx, table)
		if err != nil || last.IsZero() {
			return err
		}
	}

	for !last.Add(r.cfg.Window()).After(horizon) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		start, end := last, last.Add(r.cfg.Window())
		if err := r.copyWindowWithRetry(ctx, table, start, end); err != nil {
			return err
		}
		if err := r.saveWindowEnd(ctx, table, end); err != nil {
			return err
		}
		last = end
	}
	r.metrics.ReplicationLag.WithLabelValues(table).Set(r.now().Sub(last).Seconds())
	return nil
}

// copyWindowWithRetry keeps retrying the same window; windows are never
// skipped, the schedule just falls behind and the lag gauge shows it.
func (r *Replicator) copyWindowWithRetry(ctx context.Context, table string, start, end time.Time) error {
	for attempt := 0; ; attempt++ {
		err := r.copyWindow(ctx, table, start, end)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		r.metrics.WindowRetries.WithLabelValues(table).Inc()
		delay := windowRetryDelays[min(attempt, len(windowRetryDelays)-1)]
		r.log.Warn().Err(err).
			Str("table", table).
			Time("window_start", start).
			Dur("retry_in", delay).
			Msg("window copy failed")
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}

func (r *Replicator) copyWindow(ctx context.Context, table string, start, end time.Time) error {
	copyCtx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()

	rows, err := r.windowCount(copyCtx, r.hotDB, table, start, end)
	if err != nil {
		return err
	}
	// A retried window may have partially landed. The cold tables are plain
	// MergeTree, so the stale rows are cleared first to keep the copy
	// idempotent.
	stale, err := r.windowCount(copyCtx, r.coldDB, table, start, end)
	if err != nil {
		return err
	}
	if stale > 0 {
		r.log.Warn().Str("table", table).Time("window_start", start).Uint64("stale_rows", stale).
			Msg("clearing partial window before re-copy")
		if err := r.store.Exec(copyCtx,
			"ALTER TABLE "+r.coldDB+"."+table+
				" DELETE WHERE timestamp >= ? AND timestamp < ?", start, end); err != nil {
			return err
		}
	}
	if err := r.store.Exec(copyCtx,
		"INSERT INTO "+r.coldDB+"."+table+" SELECT * FROM "+r.hotDB+"."+table+
			" WHERE timestamp >= ? AND timestamp < ?", start, end); err != nil {
		return err
	}
	r.metrics.WindowsCopied.WithLabelValues(table).Inc()
	r.metrics.RowsReplicated.WithLabelValues(table).Add(float64(rows))

	if r.cfg.DeleteAfterCopy && rows > 0 {
		if err := r.store.Exec(copyCtx,
			"ALTER TABLE "+r.hotDB+"."+table+
				" DELETE WHERE timestamp >= ? AND timestamp < ?", start, end); err != nil {
			return err
		}
		r.metrics.HotRowsDeleted.WithLabelValues(table).Add(float64(rows))
	}
	r.log.Info().
		Str("table", table).
		Time("window_start", start).
		Time("window_end", end).
		Uint64("rows", rows).
		Msg("window replicated")
	return nil
}

func (r *Replicator) windowCount(ctx context.Context, db, table string, start, end time.Time) (uint64, error) {
	rows, err := r.store.Query(ctx,
		"SELECT count() FROM "+db+"."+table+" WHERE timestamp >= ? AND timestamp < ?", start, end)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n uint64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

// lastWindowEnd reads the committed progress row; zero time means none yet.
func (r *Replicator) lastWindowEnd(ctx context.Context, table string) (time.Time, error) {
	rows, err := r.store.Query(ctx,
		"SELECT max(last_window_end) FROM "+r.coldDB+".replication_state WHERE `table` = ?", table)
	if err != nil {
		return time.Time{}, err
	}
	defer rows.Close()
	var last time.Time
	if rows.Next() {
		if err := rows.Scan(&last); err != nil {
			return time.Time{}, err
		}
	}
	if err := rows.Err(); err != nil {
		return time.Time{}, err
	}
	if last.Unix() <= 0 {
		return time.Time{}, nil
	}
	return last.UTC(), nil
}

func (r *Replicator) saveWindowEnd(ctx context.Context, table string, end time.Time) error {
	return r.store.Exec(ctx,
		"INSERT INTO "+r.coldDB+".replication_state (`table`, last_window_end) VALUES (?, ?)",
		table, end)
}

// firstWindowStart aligns the oldest hot row down to a window boundary so a
// fresh deployment starts from the beginning of its data, not from now.
func (r *Replicator) firstWindowStart(ctx context.Context, table string) (time.Time, error) {
	rows, err := r.store.Query(ctx,
		"SELECT min(timestamp) FROM "+r.hotDB+"."+table)
	if err != nil {
		return time.Time{}, err
	}
	defer rows.Close()
	var first time.Time
	if rows.Next() {
		if err := rows.Scan(&first); err != nil {
			return time.Time{}, err
		}
	}
	if err := rows.Err(); err != nil {
		return time.Time{}, err
	}
	if first.Unix() <= 0 {
		return time.Time{}, nil
	}
	return first.UTC().Truncate(r.cfg.Window()), nil
}

// tableNames returns every replicated table in a stable order.
func tableNames() []string {
	names := make([]string, 0, len(clickhouse.Tables))
	for _, dt := range schema.DataTypes {
		if table, ok := clickhouse.TableFor(dt); ok {
			names = append(names, table)
		}
	}
	return names
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
