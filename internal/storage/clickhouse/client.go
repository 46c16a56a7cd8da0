package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/marketprism/marketprism/errs"
	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/observability"
	"github.com/marketprism/marketprism/internal/schema"
)

// Conn is the slice of driver.Conn the client uses, narrowed for fakes.
type Conn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	Exec(ctx context.Context, query string, args ...any) error
	Ping(ctx context.Context) error
	Close() error
}

// Client inserts canonical records over the native protocol, falling back to
// HTTP when native connectivity fails. A circuit breaker stops hammering a
// dead server so the consumer can spool instead.
type Client struct {
	cfg     config.ClickHouseConfig
	native  Conn
	http    Conn
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
	metrics *observability.Metrics
}

// Open dials both protocols and returns a client bound to the configured
// database.
func Open(cfg config.ClickHouseConfig, log zerolog.Logger, metrics *observability.Metrics) (*Client, error) {
	native, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.PortNative)},
		Auth: clickhouse.Auth{Database: cfg.Database, Username: cfg.Username, Password: cfg.Password},
		Settings: clickhouse.Settings{
			"max_execution_time": int(cfg.InsertTimeout().Seconds()),
		},
		MaxOpenConns: cfg.PoolMax,
		MaxIdleConns: cfg.PoolMin,
		DialTimeout:  time.Duration(cfg.AcquireTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, errs.New("clickhouse", errs.KindStorage, errs.WithCause(err))
	}
	httpConn, err := clickhouse.Open(&clickhouse.Options{
		Protocol: clickhouse.HTTP,
		Addr:     []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.PortHTTP)},
		Auth:     clickhouse.Auth{Database: cfg.Database, Username: cfg.Username, Password: cfg.Password},
		MaxOpenConns: cfg.PoolMax,
		MaxIdleConns: cfg.PoolMin,
		DialTimeout:  time.Duration(cfg.AcquireTimeoutSeconds) * time.Second,
	})
	if err != nil {
		_ = native.Close()
		return nil, errs.New("clickhouse", errs.KindStorage, errs.WithCause(err))
	}
	return NewClient(cfg, native, httpConn, log, metrics), nil
}

// NewClient wires a client over pre-built connections; tests inject fakes.
func NewClient(cfg config.ClickHouseConfig, native, http Conn, log zerolog.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		cfg:    cfg,
		native: native,
		http:   http,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "clickhouse",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log:     log.With().Str("component", "clickhouse").Logger(),
		metrics: metrics,
	}
}

// Insert writes one batch of same-type records into its table and returns the
// row count persisted.
func (c *Client) Insert(ctx context.Context, records []*schema.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	table, ok := TableFor(records[0].DataType)
	if !ok {
		return 0, errs.New("clickhouse", errs.KindInvariant,
			errs.WithMessage(fmt.Sprintf("no table for data type %q", records[0].DataType)))
	}
	n, err := c.breaker.Execute(func() (any, error) {
		return c.insert(ctx, table, records)
	})
	if err != nil {
		c.metrics.InsertErrors.WithLabelValues(table).Inc()
		if _, ok := err.(*errs.E); ok {
			return 0, err
		}
		return 0, errs.New("clickhouse", errs.KindStorage, errs.WithCause(err))
	}
	rows := n.(int)
	c.metrics.BatchesInserted.WithLabelValues(table).Inc()
	c.metrics.RowsInserted.WithLabelValues(table).Add(float64(rows))
	return rows, nil
}

// insert tries native first and falls back to HTTP on failure.
func (c *Client) insert(ctx context.Context, table string, records []*schema.Record) (int, error) {
	insertCtx, cancel := context.WithTimeout(ctx, c.cfg.InsertTimeout())
	defer cancel()

	n, nativeErr := c.insertOn(insertCtx, c.native, table, records)
	if nativeErr == nil {
		return n, nil
	}
	c.metrics.InsertFallbacks.Inc()
	c.log.Warn().Err(nativeErr).Str("table", table).Msg("native insert failed, retrying over http")

	n, httpErr := c.insertOn(insertCtx, c.http, table, records)
	if httpErr == nil {
		return n, nil
	}
	return 0, fmt.Errorf("native: %v; http: %w", nativeErr, httpErr)
}

func (c *Client) insertOn(ctx context.Context, conn Conn, table string, records []*schema.Record) (int, error) {
	query := fmt.Sprintf("INSERT INTO %s.%s (%s)",
		c.cfg.Database, table, strings.Join(Columns(table), ", "))
	batch, err := conn.PrepareBatch(ctx, query)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		args, err := rowArgs(rec)
		if err != nil {
			_ = batch.Abort()
			return 0, err
		}
		if err := batch.Append(args...); err != nil {
			_ = batch.Abort()
			return 0, err
		}
	}
	if err := batch.Send(); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Ping reports whether either protocol answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.native.Ping(ctx); err == nil {
		return nil
	}
	if err := c.http.Ping(ctx); err != nil {
		return errs.New("clickhouse", errs.KindStorage, errs.WithCause(err))
	}
	return nil
}

// Exec runs a statement on the native connection (replication, cleanup).
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	if err := c.native.Exec(ctx, query, args...); err != nil {
		return errs.New("clickhouse", errs.KindStorage, errs.WithCause(err))
	}
	return nil
}

// ApplyRetention aligns every hot table's TTL with the configured retention.
// Migrations create the tables with the default; the knob takes effect here
// without a schema migration.
func (c *Client) ApplyRetention(ctx context.Context) error {
	for _, dt := range schema.DataTypes {
		table, ok := TableFor(dt)
		if !ok {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s.%s MODIFY TTL toDateTime(timestamp) + INTERVAL %d DAY",
			c.cfg.Database, table, c.cfg.RetentionDaysHot)
		if err := c.Exec(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// Query runs a read on the native connection.
func (c *Client) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	rows, err := c.native.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.New("clickhouse", errs.KindStorage, errs.WithCause(err))
	}
	return rows, nil
}

// Database returns the configured database name.
func (c *Client) Database() string { return c.cfg.Database }

// Close releases both connections.
func (c *Client) Close() error {
	nativeErr := c.native.Close()
	httpErr := c.http.Close()
	if nativeErr != nil {
		return nativeErr
	}
	return httpErr
}
