// Command collector ingests exchange market data and publishes canonical
// records to JetStream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/marketprism/marketprism/internal/adapters"
	"github.com/marketprism/marketprism/internal/adapters/binance"
	"github.com/marketprism/marketprism/internal/adapters/deribit"
	"github.com/marketprism/marketprism/internal/adapters/okx"
	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/observability"
	"github.com/marketprism/marketprism/internal/publisher"
	"github.com/marketprism/marketprism/internal/ratelimit"
	"github.com/marketprism/marketprism/internal/schema"
	httpserver "github.com/marketprism/marketprism/internal/server/http"
	"github.com/marketprism/marketprism/internal/supervisor"
)

const (
	exitOK         = 0
	exitFatal      = 1
	exitConfig     = 2
	exitDependency = 4

	drainTimeout = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "config/marketprism.yaml", "configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	log := observability.NewLogger("collector", cfg.LogLevel)
	metrics := observability.NewMetrics("collector")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(strings.Join(cfg.NATS.Servers, ","),
		nats.Name("marketprism-collector"),
		nats.MaxReconnects(cfg.NATS.ReconnectMaxAttempts))
	if err != nil {
		log.Error().Err(err).Msg("nats unreachable")
		return exitDependency
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		log.Error().Err(err).Msg("jetstream context failed")
		return exitDependency
	}
	if err := publisher.EnsureStreams(js); err != nil {
		log.Error().Err(err).Msg("stream provisioning failed")
		return exitDependency
	}

	if len(enabledExchanges(cfg)) == 0 {
		log.Error().Msg("no exchanges enabled")
		return exitConfig
	}
	// Fail fast on bad exchange config before any task starts.
	for _, name := range enabledExchanges(cfg) {
		if _, err := buildConnector(name, cfg.Collector.Exchanges[name], log, metrics); err != nil {
			log.Error().Err(err).Str("exchange", name).Msg("invalid exchange configuration")
			return exitConfig
		}
	}

	records := make(chan *schema.Record, 4096)
	pub := publisher.New(js, cfg.Publisher, log, metrics)

	sup := supervisor.New(log, metrics)
	for _, name := range enabledExchanges(cfg) {
		name := name
		exCfg := cfg.Collector.Exchanges[name]
		sup.Add(supervisor.Task{
			Name:    "connector-" + name,
			Restart: true,
			Run: func(ctx context.Context) error {
				return runConnector(ctx, name, exCfg, records, log, metrics)
			},
		})
	}
	sup.Add(supervisor.Task{
		Name: "publisher",
		Run: func(ctx context.Context) error {
			return pub.Run(ctx, records)
		},
	})
	sup.Add(supervisor.Task{
		Name:    "http",
		Restart: true,
		Run: httpserver.New(cfg.HTTP.Addr, sup, metrics, log,
			httpserver.ReadyCheck{Name: "nats", Check: func(context.Context) error {
				if !nc.IsConnected() {
					return fmt.Errorf("nats disconnected")
				}
				return nil
			}},
		).Run,
	})

	err = sup.Run(ctx)
	stop()

	// Flush anything still buffered in the NATS client before exiting.
	drainDone := make(chan struct{})
	go func() {
		_ = nc.Drain()
		close(drainDone)
	}()
	select {
	case <-drainDone:
	case <-time.After(drainTimeout):
		log.Warn().Msg("nats drain timed out")
	}

	if err != nil {
		log.Error().Err(err).Msg("collector exiting on fatal error")
		return exitFatal
	}
	log.Info().Msg("collector shut down cleanly")
	return exitOK
}

func enabledExchanges(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Collector.Exchanges))
	for _, name := range []string{"binance", "okx", "deribit"} {
		if ex, ok := cfg.Collector.Exchanges[name]; ok && ex.Enabled {
			names = append(names, name)
		}
	}
	return names
}

// runConnector builds a fresh connector per start so a supervisor restart
// begins from a clean subscription state.
func runConnector(ctx context.Context, name string, exCfg config.ExchangeConfig, records chan<- *schema.Record, log zerolog.Logger, metrics *observability.Metrics) error {
	conn, err := buildConnector(name, exCfg, log, metrics)
	if err != nil {
		return err
	}
	var wg conc.WaitGroup
	wg.Go(func() {
		for rec := range conn.Records() {
			select {
			case records <- rec:
			case <-ctx.Done():
			}
		}
	})
	err = conn.Run(ctx)
	wg.Wait()
	return err
}

func buildConnector(name string, exCfg config.ExchangeConfig, log zerolog.Logger, metrics *observability.Metrics) (adapters.Connector, error) {
	budget := ratelimit.Budget{
		RequestsPerMinute: exCfg.RateLimits.RequestsPerMinute,
		WeightPerMinute:   exCfg.RateLimits.WeightPerMinute,
		OrdersPerSecond:   exCfg.RateLimits.OrdersPerSecond,
	}
	marketType := schema.MarketType(exCfg.MarketType)
	newLimiter := func() *ratelimit.Limiter {
		limiter := ratelimit.New(name, exCfg.SecondaryIPs, budget)
		limiter.ObserveWaits(metrics.RateLimitWaits.WithLabelValues(name).Inc)
		return limiter
	}

	var conn adapters.Connector
	switch name {
	case "binance":
		limiter := newLimiter()
		conn = binance.New(binance.Config{
			MarketType:   marketType,
			WSURL:        exCfg.WSURL,
			Depth:        exCfg.DepthLimit,
			EmitInterval: exCfg.SnapshotInterval(),
		}, newBinanceREST(limiter, exCfg), log, metrics)
	case "okx":
		limiter := newLimiter()
		conn = okx.New(okx.Config{
			MarketType:   marketType,
			WSURL:        exCfg.WSURL,
			Depth:        exCfg.DepthLimit,
			EmitInterval: exCfg.SnapshotInterval(),
		}, newOKXREST(limiter, exCfg), log, metrics)
	case "deribit":
		conn = deribit.New(deribit.Config{
			MarketType:   marketType,
			WSURL:        exCfg.WSURL,
			Depth:        exCfg.DepthLimit,
			EmitInterval: exCfg.SnapshotInterval(),
		}, log, metrics)
	default:
		return nil, fmt.Errorf("unknown exchange %q", name)
	}

	for _, symbol := range exCfg.Symbols {
		for _, dt := range exCfg.DataTypes {
			if err := conn.Subscribe(symbol, schema.DataType(dt)); err != nil {
				return nil, err
			}
		}
	}
	return conn, nil
}

func newBinanceREST(limiter *ratelimit.Limiter, exCfg config.ExchangeConfig) *binance.RESTClient {
	if exCfg.RESTURL != "" {
		return binance.NewRESTClientWithBases(limiter, exCfg.RESTURL, exCfg.RESTURL)
	}
	return binance.NewRESTClient(limiter)
}

func newOKXREST(limiter *ratelimit.Limiter, exCfg config.ExchangeConfig) *okx.RESTClient {
	if exCfg.RESTURL != "" {
		return okx.NewRESTClientWithBase(limiter, exCfg.RESTURL)
	}
	return okx.NewRESTClient(limiter)
}
