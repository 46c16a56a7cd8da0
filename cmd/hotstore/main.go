// Command hotstore consumes canonical records from JetStream and lands them
// in the hot ClickHouse database.
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

	"github.com/marketprism/marketprism/errs"
	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/consumer"
	"github.com/marketprism/marketprism/internal/observability"
	httpserver "github.com/marketprism/marketprism/internal/server/http"
	"github.com/marketprism/marketprism/internal/storage/clickhouse"
	"github.com/marketprism/marketprism/internal/storage/spool"
	"github.com/marketprism/marketprism/internal/supervisor"
)

const (
	exitOK         = 0
	exitFatal      = 1
	exitConfig     = 2
	exitSchema     = 3
	exitDependency = 4

	startupTimeout = 10 * time.Second
	drainInterval  = 30 * time.Second
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

	log := observability.NewLogger("hotstore", cfg.LogLevel)
	metrics := observability.NewMetrics("hotstore")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := clickhouse.Open(cfg.ClickHouse, log, metrics)
	if err != nil {
		log.Error().Err(err).Msg("clickhouse open failed")
		return exitDependency
	}
	defer store.Close()

	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	pingErr := store.Ping(startupCtx)
	cancel()
	if pingErr != nil {
		log.Error().Err(pingErr).Msg("clickhouse unreachable")
		return exitDependency
	}

	checkCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	checkErr := store.CheckSchema(checkCtx)
	cancel()
	if checkErr != nil {
		if errs.KindOf(checkErr) == errs.KindSchema {
			return exitSchema
		}
		log.Error().Err(checkErr).Msg("schema check failed")
		return exitDependency
	}

	ttlCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	ttlErr := store.ApplyRetention(ttlCtx)
	cancel()
	if ttlErr != nil {
		log.Error().Err(ttlErr).Msg("hot retention update failed")
		return exitDependency
	}

	nc, err := nats.Connect(strings.Join(cfg.NATS.Servers, ","),
		nats.Name("marketprism-hotstore"),
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

	disk, err := spool.New(cfg.Consumer.SpoolDir, log, metrics)
	if err != nil {
		log.Error().Err(err).Msg("spool directory unavailable")
		return exitDependency
	}

	cons, err := consumer.New(cfg.Consumer,
		consumer.JetStreamSource(js, cfg.NATS, metrics), store, disk, log, metrics)
	if err != nil {
		log.Error().Err(err).Msg("consumer init failed")
		return exitFatal
	}

	sup := supervisor.New(log, metrics)
	sup.Add(supervisor.Task{Name: "consumer", Run: cons.Run})
	sup.Add(supervisor.Task{
		Name:    "spool-drainer",
		Restart: true,
		Run: func(ctx context.Context) error {
			disk.RunDrainer(ctx, drainInterval, store.Insert)
			return ctx.Err()
		},
	})
	sup.Add(supervisor.Task{
		Name:    "http",
		Restart: true,
		Run: httpserver.New(cfg.HTTP.Addr, sup, metrics, log,
			httpserver.ReadyCheck{Name: "clickhouse", Check: store.Ping},
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
	if err != nil {
		log.Error().Err(err).Msg("hotstore exiting on fatal error")
		return exitFatal
	}
	log.Info().Msg("hotstore shut down cleanly")
	return exitOK
}
