// Package migrations embeds the ClickHouse schema for the hot and cold
// databases so cmd/migrate ships self-contained.
package migrations

import "embed"

// FS holds the versioned .sql migration files.
//
//go:embed *.sql
var FS embed.FS
