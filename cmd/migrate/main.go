// Command migrate applies the embedded ClickHouse schema migrations for the
// hot and cold databases.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/clickhouse"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	migrations "github.com/marketprism/marketprism/db/migrations/clickhouse"
	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/observability"
)

const (
	exitOK         = 0
	exitFatal      = 1
	exitConfig     = 2
	exitDependency = 4
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
	log := observability.NewLogger("migrate", cfg.LogLevel)

	args := flag.Args()
	command := "up"
	if len(args) > 0 {
		command = args[0]
	}

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		log.Error().Err(err).Msg("load embedded migrations")
		return exitFatal
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, clickhouseDSN(cfg.ClickHouse))
	if err != nil {
		log.Error().Err(err).Msg("clickhouse unreachable")
		return exitDependency
	}
	defer m.Close()

	switch command {
	case "up":
		err = m.Up()
	case "down":
		steps := 1
		if len(args) > 1 {
			if steps, err = strconv.Atoi(args[1]); err != nil {
				log.Error().Err(err).Msg("invalid down steps")
				return exitConfig
			}
		}
		err = m.Steps(-steps)
	default:
		log.Error().Str("command", command).Msg("unknown command (expected up or down)")
		return exitConfig
	}

	switch {
	case err == nil:
		log.Info().Str("command", command).Msg("migrations applied")
		return exitOK
	case errors.Is(err, migrate.ErrNoChange):
		log.Info().Msg("schema already up to date")
		return exitOK
	default:
		log.Error().Err(err).Msg("migration failed")
		return exitFatal
	}
}

// clickhouseDSN targets the server, not a single database: the migrations
// create both databases with fully qualified names.
func clickhouseDSN(ch config.ClickHouseConfig) string {
	q := url.Values{}
	if ch.Username != "" {
		q.Set("username", ch.Username)
	}
	if ch.Password != "" {
		q.Set("password", ch.Password)
	}
	q.Set("x-multi-statement", "true")
	return fmt.Sprintf("clickhouse://%s:%d?%s", ch.Host, ch.PortNative, q.Encode())
}
