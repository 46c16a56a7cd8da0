// Package config loads the per-process YAML configuration tree and applies
// MARKETPRISM_* environment overrides. Configuration is read once at startup
// and treated as immutable afterwards.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/marketprism/marketprism/internal/schema"
)

// NATSConfig configures the JetStream connection.
type NATSConfig struct {
	Servers              []string `yaml:"servers"`
	ReconnectMaxAttempts int      `yaml:"reconnect_max_attempts"`
	AckWaitSeconds       int      `yaml:"ack_wait_seconds"`
}

func (c *NATSConfig) applyDefaults() {
	if len(c.Servers) == 0 {
		c.Servers = []string{"nats://localhost:4222"}
	}
	if c.ReconnectMaxAttempts == 0 {
		c.ReconnectMaxAttempts = -1
	}
	if c.AckWaitSeconds <= 0 {
		c.AckWaitSeconds = 60
	}
}

// AckWait returns the consumer acknowledgment wait as a duration.
func (c NATSConfig) AckWait() time.Duration {
	return time.Duration(c.AckWaitSeconds) * time.Second
}

// ClickHouseConfig configures hot and cold database connectivity.
type ClickHouseConfig struct {
	Host                  string `yaml:"host"`
	PortNative            int    `yaml:"port_native"`
	PortHTTP              int    `yaml:"port_http"`
	Database              string `yaml:"database"`
	ColdDatabase          string `yaml:"cold_database"`
	Username              string `yaml:"username"`
	Password              string `yaml:"password"`
	PoolMin               int    `yaml:"pool_min"`
	PoolMax               int    `yaml:"pool_max"`
	InsertTimeoutSeconds  int    `yaml:"insert_timeout_seconds"`
	AcquireTimeoutSeconds int    `yaml:"acquire_timeout_seconds"`
	RetentionDaysHot      int    `yaml:"retention_days_hot"`
}

func (c *ClickHouseConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.PortNative <= 0 {
		c.PortNative = 9000
	}
	if c.PortHTTP <= 0 {
		c.PortHTTP = 8123
	}
	if c.Database == "" {
		c.Database = "marketprism_hot"
	}
	if c.ColdDatabase == "" {
		c.ColdDatabase = "marketprism_cold"
	}
	if c.PoolMin <= 0 {
		c.PoolMin = 2
	}
	if c.PoolMax <= 0 {
		c.PoolMax = 16
	}
	if c.InsertTimeoutSeconds <= 0 {
		c.InsertTimeoutSeconds = 30
	}
	if c.AcquireTimeoutSeconds <= 0 {
		c.AcquireTimeoutSeconds = 5
	}
	if c.RetentionDaysHot <= 0 {
		c.RetentionDaysHot = 3
	}
}

// InsertTimeout returns the per-insert deadline.
func (c ClickHouseConfig) InsertTimeout() time.Duration {
	return time.Duration(c.InsertTimeoutSeconds) * time.Second
}

// RateLimits carries the per-exchange IP-scoped request budget.
type RateLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	WeightPerMinute   int `yaml:"weight_per_minute"`
	OrdersPerSecond   int `yaml:"orders_per_second"`
}

// ExchangeConfig describes one enabled exchange connector.
type ExchangeConfig struct {
	Enabled                 bool       `yaml:"enabled"`
	MarketType              string     `yaml:"market_type"`
	Symbols                 []string   `yaml:"symbols"`
	DataTypes               []string   `yaml:"data_types"`
	DepthLimit              int        `yaml:"depth_limit"`
	SnapshotIntervalSeconds int        `yaml:"snapshot_interval_seconds"`
	WSURL                   string     `yaml:"ws_url"`
	RESTURL                 string     `yaml:"rest_url"`
	SecondaryIPs            []string   `yaml:"secondary_ips"`
	RateLimits              RateLimits `yaml:"rate_limits"`
}

func (c *ExchangeConfig) applyDefaults(exchange string) {
	if c.MarketType == "" {
		c.MarketType = string(schema.MarketTypeSpot)
	}
	if c.DepthLimit <= 0 {
		c.DepthLimit = 400
	}
	if c.SnapshotIntervalSeconds <= 0 {
		c.SnapshotIntervalSeconds = 1
	}
	if c.RateLimits.RequestsPerMinute <= 0 {
		switch exchange {
		case string(schema.ExchangeBinance):
			c.RateLimits.RequestsPerMinute = 1200
		default:
			c.RateLimits.RequestsPerMinute = 600
		}
	}
	if c.RateLimits.WeightPerMinute <= 0 && exchange == string(schema.ExchangeBinance) {
		c.RateLimits.WeightPerMinute = 6000
	}
	if c.RateLimits.OrdersPerSecond <= 0 {
		c.RateLimits.OrdersPerSecond = 10
	}
}

// SnapshotInterval returns how often a synced book emits downstream.
func (c ExchangeConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}

// CollectorConfig configures the collector process.
type CollectorConfig struct {
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
}

// PublisherConfig configures the JetStream publisher.
type PublisherConfig struct {
	MaxBatchSize      int `yaml:"max_batch_size"`
	FlushIntervalMS   int `yaml:"flush_interval_ms"`
	FallbackQueueSize int `yaml:"fallback_queue_size"`
	Workers           int `yaml:"workers"`
}

func (c *PublisherConfig) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.FlushIntervalMS <= 0 {
		c.FlushIntervalMS = 200
	}
	if c.FallbackQueueSize <= 0 {
		c.FallbackQueueSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
}

// ConsumerConfig configures the hot-storage consumer.
type ConsumerConfig struct {
	BatchSizes     map[string]int `yaml:"batch_sizes"`
	FlushIntervals map[string]int `yaml:"flush_intervals"`
	SpoolDir       string         `yaml:"spool_dir"`
}

// Batch frequency classes per data type.
var (
	defaultBatchSizes = map[string]int{
		"trade": 150, "orderbook": 150,
		"funding_rate": 50, "open_interest": 50,
		"liquidation": 20, "lsr_top_position": 20, "lsr_all_account": 20, "volatility_index": 20,
	}
	defaultFlushSeconds = map[string]int{
		"trade": 1, "orderbook": 1,
		"funding_rate": 2, "open_interest": 2,
		"liquidation": 5, "lsr_top_position": 5, "lsr_all_account": 5, "volatility_index": 5,
	}
)

func (c *ConsumerConfig) applyDefaults() {
	if c.BatchSizes == nil {
		c.BatchSizes = make(map[string]int)
	}
	if c.FlushIntervals == nil {
		c.FlushIntervals = make(map[string]int)
	}
	for dt, size := range defaultBatchSizes {
		if c.BatchSizes[dt] <= 0 {
			c.BatchSizes[dt] = size
		}
	}
	for dt, secs := range defaultFlushSeconds {
		if c.FlushIntervals[dt] <= 0 {
			c.FlushIntervals[dt] = secs
		}
	}
	if c.SpoolDir == "" {
		c.SpoolDir = "/var/lib/marketprism/spool"
	}
}

// BatchSize returns the target batch size for a data type.
func (c ConsumerConfig) BatchSize(dt schema.DataType) int { return c.BatchSizes[string(dt)] }

// FlushInterval returns the flush deadline for a data type.
func (c ConsumerConfig) FlushInterval(dt schema.DataType) time.Duration {
	return time.Duration(c.FlushIntervals[string(dt)]) * time.Second
}

// ReplicatorConfig configures the cold-tier replicator.
type ReplicatorConfig struct {
	WindowSeconds     int  `yaml:"window_seconds"`
	SafetyLagSeconds  int  `yaml:"safety_lag_seconds"`
	DeleteAfterCopy   bool `yaml:"delete_after_copy"`
	RetentionDaysCold int  `yaml:"retention_days_cold"`
}

func (c *ReplicatorConfig) applyDefaults() {
	if c.WindowSeconds <= 0 {
		c.WindowSeconds = 600
	}
	if c.SafetyLagSeconds <= 0 {
		c.SafetyLagSeconds = 900
	}
	if c.RetentionDaysCold <= 0 {
		c.RetentionDaysCold = 365
	}
}

// Window returns the tumbling window width.
func (c ReplicatorConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// SafetyLag returns how far behind now the replicator stays.
func (c ReplicatorConfig) SafetyLag() time.Duration {
	return time.Duration(c.SafetyLagSeconds) * time.Second
}

// HTTPConfig configures the health/metrics endpoint of a process.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the full per-process configuration tree.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	NATS       NATSConfig       `yaml:"nats"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Collector  CollectorConfig  `yaml:"collector"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Replicator ReplicatorConfig `yaml:"replicator"`
	HTTP       HTTPConfig       `yaml:"http"`
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.NATS.applyDefaults()
	c.ClickHouse.applyDefaults()
	c.Publisher.applyDefaults()
	c.Consumer.applyDefaults()
	c.Replicator.applyDefaults()
	for name, ex := range c.Collector.Exchanges {
		ex.applyDefaults(name)
		c.Collector.Exchanges[name] = ex
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8086"
	}
}

// Validate checks cross-field consistency; a failure must exit the process
// with code 2.
func (c *Config) Validate() error {
	for _, server := range c.NATS.Servers {
		if !strings.HasPrefix(server, "nats://") && !strings.HasPrefix(server, "tls://") {
			return fmt.Errorf("config: nats server %q must use nats:// or tls://", server)
		}
	}
	if c.ClickHouse.PoolMin > c.ClickHouse.PoolMax {
		return fmt.Errorf("config: clickhouse pool_min %d exceeds pool_max %d",
			c.ClickHouse.PoolMin, c.ClickHouse.PoolMax)
	}
	if c.Replicator.SafetyLagSeconds < c.Replicator.WindowSeconds {
		return fmt.Errorf("config: replicator safety_lag_seconds %d below window_seconds %d",
			c.Replicator.SafetyLagSeconds, c.Replicator.WindowSeconds)
	}
	for name, ex := range c.Collector.Exchanges {
		if !ex.Enabled {
			continue
		}
		if !schema.Exchange(name).Valid() {
			return fmt.Errorf("config: unknown exchange %q", name)
		}
		if !schema.MarketType(ex.MarketType).Valid() {
			return fmt.Errorf("config: exchange %s: unknown market_type %q", name, ex.MarketType)
		}
		if len(ex.Symbols) == 0 {
			return fmt.Errorf("config: exchange %s enabled with no symbols", name)
		}
		for _, dt := range ex.DataTypes {
			if !schema.DataType(dt).Valid() {
				return fmt.Errorf("config: exchange %s: unknown data_type %q", name, dt)
			}
		}
	}
	return nil
}
