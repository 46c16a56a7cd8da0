package clickhouse

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/marketprism/marketprism/errs"
)

// CheckSchema verifies every required column exists in every table. The
// returned error lists the full diff so the operator can apply migrations; the
// caller exits with the schema-mismatch code.
func (c *Client) CheckSchema(ctx context.Context) error {
	rows, err := c.Query(ctx,
		"SELECT table, name FROM system.columns WHERE database = ?", c.cfg.Database)
	if err != nil {
		return err
	}
	defer rows.Close()

	present := make(map[string]map[string]bool)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return errs.New("clickhouse", errs.KindStorage, errs.WithCause(err))
		}
		if present[table] == nil {
			present[table] = make(map[string]bool)
		}
		present[table][column] = true
	}
	if err := rows.Err(); err != nil {
		return errs.New("clickhouse", errs.KindStorage, errs.WithCause(err))
	}

	var diffs []string
	tables := make([]string, 0, len(columns))
	for table := range columns {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		have := present[table]
		if have == nil {
			diffs = append(diffs, fmt.Sprintf("table %s missing", table))
			continue
		}
		for _, col := range columns[table] {
			if !have[col] {
				diffs = append(diffs, fmt.Sprintf("%s missing column %s", table, col))
			}
		}
	}
	if len(diffs) > 0 {
		c.log.Error().Strs("diff", diffs).Msg("storage schema does not match expectations")
		return errs.New("clickhouse", errs.KindSchema,
			errs.WithMessage(strings.Join(diffs, "; ")))
	}
	return nil
}
