package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override key.
const EnvPrefix = "MARKETPRISM_"

// Load reads path (when non-empty), layers MARKETPRISM_* environment
// overrides on top, applies defaults, and validates. A missing file is not an
// error; all-defaults operation is supported for local runs.
func Load(path string) (*Config, error) {
	cfg := new(Config)
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps MARKETPRISM_{PATH_WITH_UNDERSCORES} variables onto
// the recognised configuration keys.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) error {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
		return nil
	}

	if v, ok := lookup(EnvPrefix + "NATS_SERVERS"); ok {
		servers := strings.Split(v, ",")
		cfg.NATS.Servers = cfg.NATS.Servers[:0]
		for _, s := range servers {
			if s = strings.TrimSpace(s); s != "" {
				cfg.NATS.Servers = append(cfg.NATS.Servers, s)
			}
		}
	}

	steps := []error{
		integer("NATS_RECONNECT_MAX_ATTEMPTS", &cfg.NATS.ReconnectMaxAttempts),
		integer("NATS_ACK_WAIT_SECONDS", &cfg.NATS.AckWaitSeconds),
		str("CLICKHOUSE_HOST", &cfg.ClickHouse.Host),
		integer("CLICKHOUSE_PORT_NATIVE", &cfg.ClickHouse.PortNative),
		integer("CLICKHOUSE_PORT_HTTP", &cfg.ClickHouse.PortHTTP),
		str("CLICKHOUSE_DATABASE", &cfg.ClickHouse.Database),
		str("CLICKHOUSE_COLD_DATABASE", &cfg.ClickHouse.ColdDatabase),
		str("CLICKHOUSE_USERNAME", &cfg.ClickHouse.Username),
		str("CLICKHOUSE_PASSWORD", &cfg.ClickHouse.Password),
		integer("CLICKHOUSE_POOL_MAX", &cfg.ClickHouse.PoolMax),
		integer("CLICKHOUSE_INSERT_TIMEOUT_SECONDS", &cfg.ClickHouse.InsertTimeoutSeconds),
		integer("CLICKHOUSE_RETENTION_DAYS_HOT", &cfg.ClickHouse.RetentionDaysHot),
		integer("PUBLISHER_MAX_BATCH_SIZE", &cfg.Publisher.MaxBatchSize),
		integer("PUBLISHER_FLUSH_INTERVAL_MS", &cfg.Publisher.FlushIntervalMS),
		integer("PUBLISHER_FALLBACK_QUEUE_SIZE", &cfg.Publisher.FallbackQueueSize),
		str("CONSUMER_SPOOL_DIR", &cfg.Consumer.SpoolDir),
		integer("REPLICATOR_WINDOW_SECONDS", &cfg.Replicator.WindowSeconds),
		integer("REPLICATOR_SAFETY_LAG_SECONDS", &cfg.Replicator.SafetyLagSeconds),
		boolean("REPLICATOR_DELETE_AFTER_COPY", &cfg.Replicator.DeleteAfterCopy),
		integer("REPLICATOR_RETENTION_DAYS_COLD", &cfg.Replicator.RetentionDaysCold),
		str("HTTP_ADDR", &cfg.HTTP.Addr),
		str("LOG_LEVEL", &cfg.LogLevel),
	}
	for _, err := range steps {
		if err != nil {
			return err
		}
	}

	// Per-data-type consumer batch tuning, e.g. MARKETPRISM_CONSUMER_BATCH_SIZES_TRADE.
	for dt := range defaultBatchSizes {
		key := strings.ToUpper(dt)
		if v, ok := lookup(EnvPrefix + "CONSUMER_BATCH_SIZES_" + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("config: consumer batch size for %s: %w", dt, err)
			}
			if cfg.Consumer.BatchSizes == nil {
				cfg.Consumer.BatchSizes = make(map[string]int)
			}
			cfg.Consumer.BatchSizes[dt] = n
		}
		if v, ok := lookup(EnvPrefix + "CONSUMER_FLUSH_INTERVALS_" + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("config: consumer flush interval for %s: %w", dt, err)
			}
			if cfg.Consumer.FlushIntervals == nil {
				cfg.Consumer.FlushIntervals = make(map[string]int)
			}
			cfg.Consumer.FlushIntervals[dt] = n
		}
	}
	return nil
}
