package replicator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/marketprism/marketprism/internal/config"
	"github.com/marketprism/marketprism/internal/observability"
)

type scanRows struct {
	driver.Rows

	vals []any
	pos  int
}

func (r *scanRows) Next() bool {
	if r.pos >= len(r.vals) {
		return false
	}
	r.pos++
	return true
}

func (r *scanRows) Scan(dest ...any) error {
	switch d := dest[0].(type) {
	case *time.Time:
		*d = r.vals[r.pos-1].(time.Time)
	case *uint64:
		*d = r.vals[r.pos-1].(uint64)
	default:
		return errors.New("unexpected scan dest")
	}
	return nil
}

func (r *scanRows) Close() error { return nil }
func (r *scanRows) Err() error   { return nil }

type statement struct {
	query string
	args  []any
}

type fakeStore struct {
	stateEnd    time.Time
	minHot      time.Time
	windowRows  uint64
	coldRows    uint64
	partialRows uint64
	execs       []statement
	insertFails int
}

func (s *fakeStore) Exec(_ context.Context, query string, args ...any) error {
	if strings.HasPrefix(query, "INSERT INTO marketprism_cold.trades") && s.insertFails > 0 {
		s.insertFails--
		s.coldRows = s.partialRows
		return errors.New("cold insert failed")
	}
	s.execs = append(s.execs, statement{query: query, args: args})
	if strings.Contains(query, "replication_state") {
		s.stateEnd = args[1].(time.Time)
	}
	return nil
}

func (s *fakeStore) Query(_ context.Context, query string, _ ...any) (driver.Rows, error) {
	switch {
	case strings.Contains(query, "replication_state"):
		return &scanRows{vals: []any{s.stateEnd}}, nil
	case strings.Contains(query, "count()") && strings.Contains(query, "marketprism_cold."):
		return &scanRows{vals: []any{s.coldRows}}, nil
	case strings.Contains(query, "count()"):
		return &scanRows{vals: []any{s.windowRows}}, nil
	case strings.Contains(query, "min(timestamp)"):
		return &scanRows{vals: []any{s.minHot}}, nil
	}
	return nil, errors.New("unexpected query: " + query)
}

func (s *fakeStore) statements(prefix string) []statement {
	var out []statement
	for _, st := range s.execs {
		if strings.HasPrefix(st.query, prefix) {
			out = append(out, st)
		}
	}
	return out
}

func testReplicator(store *fakeStore, deleteAfterCopy bool) (*Replicator, *[]time.Duration) {
	cfg := config.ReplicatorConfig{
		WindowSeconds:    600,
		SafetyLagSeconds: 900,
		DeleteAfterCopy:  deleteAfterCopy,
	}
	ch := config.ClickHouseConfig{Database: "marketprism_hot", ColdDatabase: "marketprism_cold"}
	r := New(cfg, ch, store, zerolog.Nop(), observability.NewMetrics("test"))
	r.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

func TestCatchUpFromFirstHotRow(t *testing.T) {
	// Oldest row 11:02, horizon 11:40 (12:00 minus 15 min lag, floored to 10
	// min). Windows 11:00-11:10 through 11:30-11:40.
	store := &fakeStore{
		minHot:     time.Date(2024, 3, 1, 11, 2, 30, 0, time.UTC),
		windowRows: 5,
	}
	r, _ := testReplicator(store, false)

	require.NoError(t, r.catchUp(context.Background(), "trades"))

	copies := store.statements("INSERT INTO marketprism_cold.trades")
	require.Len(t, copies, 4)
	require.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), copies[0].args[0])
	require.Equal(t, time.Date(2024, 3, 1, 11, 10, 0, 0, time.UTC), copies[0].args[1])
	require.Equal(t, time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC), copies[3].args[0])

	state := store.statements("INSERT INTO marketprism_cold.replication_state")
	require.Len(t, state, 4)
	require.Equal(t, time.Date(2024, 3, 1, 11, 40, 0, 0, time.UTC), store.stateEnd)
}

func TestCatchUpResumesFromState(t *testing.T) {
	store := &fakeStore{
		stateEnd:   time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC),
		windowRows: 2,
	}
	r, _ := testReplicator(store, false)

	require.NoError(t, r.catchUp(context.Background(), "trades"))

	copies := store.statements("INSERT INTO marketprism_cold.trades")
	require.Len(t, copies, 1)
	require.Equal(t, time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC), copies[0].args[0])
	require.Equal(t, time.Date(2024, 3, 1, 11, 40, 0, 0, time.UTC), copies[0].args[1])
}

func TestCatchUpNothingEligible(t *testing.T) {
	store := &fakeStore{
		stateEnd: time.Date(2024, 3, 1, 11, 40, 0, 0, time.UTC),
	}
	r, _ := testReplicator(store, false)

	require.NoError(t, r.catchUp(context.Background(), "trades"))
	require.Empty(t, store.statements("INSERT INTO marketprism_cold.trades"))
}

func TestCatchUpEmptyHotTable(t *testing.T) {
	store := &fakeStore{}
	r, _ := testReplicator(store, false)

	require.NoError(t, r.catchUp(context.Background(), "trades"))
	require.Empty(t, store.execs)
}

func TestWindowRetryBackoff(t *testing.T) {
	store := &fakeStore{
		stateEnd:    time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC),
		windowRows:  1,
		insertFails: 2,
	}
	r, slept := testReplicator(store, false)

	require.NoError(t, r.catchUp(context.Background(), "trades"))
	require.Equal(t, []time.Duration{time.Second, 5 * time.Second}, *slept)
	require.Len(t, store.statements("INSERT INTO marketprism_cold.trades"), 1)
}

func TestWindowRetryDelayCaps(t *testing.T) {
	require.Equal(t, 5*time.Minute, windowRetryDelays[len(windowRetryDelays)-1])
	require.Equal(t, time.Second, windowRetryDelays[0])
}

func TestDeleteAfterCopy(t *testing.T) {
	store := &fakeStore{
		stateEnd:   time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC),
		windowRows: 3,
	}
	r, _ := testReplicator(store, true)

	require.NoError(t, r.catchUp(context.Background(), "trades"))

	deletes := store.statements("ALTER TABLE marketprism_hot.trades DELETE")
	require.Len(t, deletes, 1)
	require.Equal(t, time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC), deletes[0].args[0])
}

func TestDeleteSkippedForEmptyWindow(t *testing.T) {
	store := &fakeStore{
		stateEnd:   time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC),
		windowRows: 0,
	}
	r, _ := testReplicator(store, true)

	require.NoError(t, r.catchUp(context.Background(), "trades"))
	require.Empty(t, store.statements("ALTER TABLE"))
	require.Len(t, store.statements("INSERT INTO marketprism_cold.trades"), 1)
}

func TestRetriedWindowClearsPartialRows(t *testing.T) {
	// The first insert fails after landing two rows. The retry must clear them
	// before copying again or the cold table double-counts the window.
	store := &fakeStore{
		stateEnd:    time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC),
		windowRows:  4,
		insertFails: 1,
		partialRows: 2,
	}
	r, _ := testReplicator(store, false)

	require.NoError(t, r.catchUp(context.Background(), "trades"))

	clears := store.statements("ALTER TABLE marketprism_cold.trades DELETE")
	require.Len(t, clears, 1)
	require.Equal(t, time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC), clears[0].args[0])
	require.Equal(t, time.Date(2024, 3, 1, 11, 40, 0, 0, time.UTC), clears[0].args[1])

	copies := store.statements("INSERT INTO marketprism_cold.trades")
	require.Len(t, copies, 1)

	var clearIdx, copyIdx int
	for i, st := range store.execs {
		switch {
		case strings.HasPrefix(st.query, "ALTER TABLE marketprism_cold.trades DELETE"):
			clearIdx = i
		case strings.HasPrefix(st.query, "INSERT INTO marketprism_cold.trades"):
			copyIdx = i
		}
	}
	require.Less(t, clearIdx, copyIdx)
}

func TestFirstCopySkipsColdClear(t *testing.T) {
	store := &fakeStore{
		stateEnd:   time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC),
		windowRows: 3,
	}
	r, _ := testReplicator(store, false)

	require.NoError(t, r.catchUp(context.Background(), "trades"))
	require.Empty(t, store.statements("ALTER TABLE marketprism_cold.trades DELETE"))
	require.Len(t, store.statements("INSERT INTO marketprism_cold.trades"), 1)
}

func TestApplyRetentionAltersEveryColdTable(t *testing.T) {
	store := &fakeStore{}
	r, _ := testReplicator(store, false)
	r.cfg.RetentionDaysCold = 365

	require.NoError(t, r.ApplyRetention(context.Background()))

	alters := store.statements("ALTER TABLE marketprism_cold.")
	require.Len(t, alters, len(tableNames()))
	require.Contains(t, alters[0].query, "MODIFY TTL toDateTime(timestamp) + INTERVAL 365 DAY")
}

func TestTableNamesCoverAllTables(t *testing.T) {
	names := tableNames()
	require.Len(t, names, 8)
	require.Contains(t, names, "trades")
	require.Contains(t, names, "volatility_indices")
}
