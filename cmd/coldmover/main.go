// Command coldmover replicates aged rows from the hot ClickHouse database to
// the cold one on a windowed schedule.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/observability"
	"github.com/marketprism/marketprism/internal/replicator"
	httpserver "github.com/marketprism/marketprism/internal/server/http"
	"github.com/marketprism/marketprism/internal/storage/clickhouse"
	"github.com/marketprism/marketprism/internal/supervisor"
)

const (
	exitOK         = 0
	exitFatal      = 1
	exitConfig     = 2
	exitDependency = 4

	startupTimeout = 10 * time.Second
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

	log := observability.NewLogger("coldmover", cfg.LogLevel)
	metrics := observability.NewMetrics("coldmover")

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

	mover := replicator.New(cfg.Replicator, cfg.ClickHouse, store, log, metrics)

	ttlCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	ttlErr := mover.ApplyRetention(ttlCtx)
	cancel()
	if ttlErr != nil {
		log.Error().Err(ttlErr).Msg("cold retention update failed")
		return exitDependency
	}

	sup := supervisor.New(log, metrics)
	sup.Add(supervisor.Task{Name: "replicator", Restart: true, Run: mover.Run})
	sup.Add(supervisor.Task{
		Name:    "http",
		Restart: true,
		Run: httpserver.New(cfg.HTTP.Addr, sup, metrics, log,
			httpserver.ReadyCheck{Name: "clickhouse", Check: store.Ping},
		).Run,
	})

	err = sup.Run(ctx)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("coldmover exiting on fatal error")
		return exitFatal
	}
	log.Info().Msg("coldmover shut down cleanly")
	return exitOK
}
