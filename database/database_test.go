package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/stack-analyzer/collector"
	"github.com/jnesss/stack-analyzer/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testReport(name string, ts time.Time) collector.Report {
	return collector.Report{
		Collector: name,
		Scale:     types.Scale{Type: "OffCPUTime", Unit: "nanoseconds", Period: 1 << 20},
		Time:      ts,
		Items: []types.CountItem{
			{Key: types.StackKey{Pid: 42, Usid: 3, Ksid: 9}, Value: 4},
			{Key: types.StackKey{Pid: 7, Usid: -1, Ksid: 2}, Value: 1},
		},
		Tasks: map[uint32]types.TaskInfo{
			42: {Pid: 42, Tgid: 42, Comm: "postgres"},
		},
	}
}

func TestOpenUsesWAL(t *testing.T) {
	db := openTestDB(t)
	var mode string
	require.NoError(t, db.Db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestWindowRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ts := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

	id, err := db.InsertWindow(testReport("off_cpu", ts))
	require.NoError(t, err)

	windows, err := db.ListWindows("", 0)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	w := windows[0]
	assert.Equal(t, id, w.ID)
	assert.Equal(t, "off_cpu", w.Collector)
	assert.Equal(t, "OffCPUTime", w.Type)
	assert.Equal(t, int64(1<<20), w.Period)
	assert.Equal(t, 2, w.Keys)
	assert.Equal(t, float64(5<<20), w.Total)
	assert.True(t, ts.Equal(w.Timestamp), "got %v", w.Timestamp)

	items, err := db.WindowItems(id)
	require.NoError(t, err)
	assert.Equal(t, []Item{
		{Rank: 1, Pid: 42, Usid: 3, Ksid: 9, Value: 4 << 20, Comm: "postgres"},
		{Rank: 2, Pid: 7, Usid: -1, Ksid: 2, Value: 1 << 20},
	}, items)
}

func TestEmptyWindow(t *testing.T) {
	db := openTestDB(t)
	r := testReport("io", time.Now())
	r.Items = nil

	require.NoError(t, db.Emit(r))
	windows, err := db.ListWindows("io", 10)
	require.NoError(t, err)
	require.Len(t, windows, 1)

	items, err := db.WindowItems(windows[0].ID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestListWindowsFilterAndLimit(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	for _, name := range []string{"on_cpu", "io", "on_cpu", "on_cpu"} {
		require.NoError(t, db.Emit(testReport(name, now)))
	}

	windows, err := db.ListWindows("on_cpu", 2)
	require.NoError(t, err)
	require.Len(t, windows, 2)
	assert.Greater(t, windows[0].ID, windows[1].ID, "newest first")
	for _, w := range windows {
		assert.Equal(t, "on_cpu", w.Collector)
	}

	all, err := db.ListWindows("", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestWindowItemsUnknown(t *testing.T) {
	db := openTestDB(t)
	_, err := db.WindowItems(12)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestMatches(t *testing.T) {
	db := openTestDB(t)

	_, err := db.InsertMatch(Match{
		RuleID:       "r-1",
		RuleName:     "Hot loop",
		Collector:    "on_cpu",
		ProcessID:    42,
		Image:        "/usr/bin/postgres",
		Value:        12.5,
		MatchDetails: []string{"Matched conditions: selection"},
		EventData:    `{"ProcessId":42}`,
	})
	require.NoError(t, err)
	_, err = db.InsertMatch(Match{RuleID: "r-2", RuleName: "Leak", Severity: "high", Collector: "memleak"})
	require.NoError(t, err)

	matches, err := db.ListMatches(0)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	assert.Equal(t, "r-2", matches[0].RuleID)
	assert.Equal(t, "high", matches[0].Severity)

	m := matches[1]
	assert.Equal(t, "medium", m.Severity)
	assert.Equal(t, int64(42), m.ProcessID)
	assert.Equal(t, "/usr/bin/postgres", m.Image)
	assert.Equal(t, 12.5, m.Value)
	assert.Equal(t, []string{"Matched conditions: selection"}, m.MatchDetails)
	assert.False(t, m.Timestamp.IsZero())

	limited, err := db.ListMatches(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
