// Package database keeps every reported window, its ranked items and rule
// matches in a sqlite database.
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jnesss/stack-analyzer/collector"
)

// FileName is the database file created inside the data directory
const FileName = "stack_analyzer.db"

// DefaultLimit caps list queries that pass no limit
const DefaultLimit = 100

// DB stores collector reports
type DB struct {
	Db *sql.DB
}

// Window is one stored report
type Window struct {
	ID        int64     `json:"id"`
	Collector string    `json:"collector"`
	Type      string    `json:"type"`
	Unit      string    `json:"unit"`
	Period    int64     `json:"period"`
	Timestamp time.Time `json:"timestamp"`
	Keys      int       `json:"keys"`
	Total     float64   `json:"total"`
}

// Item is one ranked stack of a window. Value is already scaled to the
// window's unit.
type Item struct {
	Rank  int     `json:"rank"`
	Pid   uint32  `json:"pid"`
	Usid  int32   `json:"usid"`
	Ksid  int32   `json:"ksid"`
	Value float64 `json:"value"`
	Comm  string  `json:"comm,omitempty"`
}

// Match is a rule that fired on a window item
type Match struct {
	ID           int64     `json:"id"`
	RuleID       string    `json:"rule_id"`
	RuleName     string    `json:"rule_name"`
	Severity     string    `json:"severity"`
	Collector    string    `json:"collector"`
	ProcessID    int64     `json:"process_id"`
	Image        string    `json:"image"`
	Value        float64   `json:"value"`
	Timestamp    time.Time `json:"timestamp"`
	MatchDetails []string  `json:"match_details"`
	EventData    string    `json:"event_data"`
}

func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := initWindowSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize window schema: %w", err)
	}

	if err := initMatchSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize match schema: %w", err)
	}

	return &DB{Db: db}, nil
}

func initWindowSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS windows (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		collector  TEXT NOT NULL,
		type       TEXT NOT NULL,
		unit       TEXT NOT NULL,
		period     INTEGER NOT NULL,
		timestamp  DATETIME NOT NULL,
		keys       INTEGER NOT NULL,
		total      REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS window_items (
		window_id  INTEGER NOT NULL REFERENCES windows(id) ON DELETE CASCADE,
		rank       INTEGER NOT NULL,
		pid        INTEGER NOT NULL,
		usid       INTEGER NOT NULL,
		ksid       INTEGER NOT NULL,
		value      REAL NOT NULL,
		comm       TEXT,
		PRIMARY KEY (window_id, rank)
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create window tables: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_windows_collector ON windows(collector);",
		"CREATE INDEX IF NOT EXISTS idx_windows_timestamp ON windows(timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_window_items_pid ON window_items(pid);",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func initMatchSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rule_matches (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id       TEXT NOT NULL,
		rule_name     TEXT NOT NULL,
		severity      TEXT NOT NULL,
		collector     TEXT NOT NULL,
		process_id    INTEGER,
		image         TEXT,
		value         REAL,
		timestamp     DATETIME NOT NULL,
		match_details TEXT,
		event_data    TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_rule_matches_rule_id ON rule_matches(rule_id);
	CREATE INDEX IF NOT EXISTS idx_rule_matches_timestamp ON rule_matches(timestamp);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create rule match table: %w", err)
	}
	return nil
}

// Emit stores a report and its items in one transaction
func (db *DB) Emit(r collector.Report) error {
	_, err := db.InsertWindow(r)
	return err
}

// InsertWindow stores a report and returns the new window id
func (db *DB) InsertWindow(r collector.Report) (int64, error) {
	tx, err := db.Db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO windows (collector, type, unit, period, timestamp, keys, total)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Collector, r.Scale.Type, r.Scale.Unit, r.Scale.Period,
		r.Time.UTC(), len(r.Items), r.Total())
	if err != nil {
		return 0, fmt.Errorf("failed to insert window: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO window_items (window_id, rank, pid, usid, ksid, value, comm)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare item insert: %w", err)
	}
	defer stmt.Close()

	for i, it := range r.Items {
		comm := r.Tasks[it.Key.Pid].Comm
		if _, err := stmt.Exec(id, i+1, it.Key.Pid, it.Key.Usid, it.Key.Ksid, r.Scaled(it), comm); err != nil {
			return 0, fmt.Errorf("failed to insert item %d of window %d: %w", i+1, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit window: %w", err)
	}
	return id, nil
}

// ListWindows returns the newest windows first, optionally for a single
// collector
func (db *DB) ListWindows(collectorName string, limit int) ([]Window, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	query := `SELECT id, collector, type, unit, period, timestamp, keys, total FROM windows`
	args := []interface{}{}
	if collectorName != "" {
		query += ` WHERE collector = ?`
		args = append(args, collectorName)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query windows: %w", err)
	}
	defer rows.Close()

	windows := []Window{}
	for rows.Next() {
		var w Window
		if err := rows.Scan(&w.ID, &w.Collector, &w.Type, &w.Unit, &w.Period, &w.Timestamp, &w.Keys, &w.Total); err != nil {
			return nil, fmt.Errorf("failed to scan window: %w", err)
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// WindowItems returns a window's items by rank. sql.ErrNoRows is returned
// for an unknown window.
func (db *DB) WindowItems(id int64) ([]Item, error) {
	var exists int
	if err := db.Db.QueryRow(`SELECT 1 FROM windows WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, err
	}

	rows, err := db.Db.Query(`
		SELECT rank, pid, usid, ksid, value, COALESCE(comm, '')
		FROM window_items WHERE window_id = ? ORDER BY rank`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Rank, &it.Pid, &it.Usid, &it.Ksid, &it.Value, &it.Comm); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// InsertMatch stores a rule match
func (db *DB) InsertMatch(m Match) (int64, error) {
	details, err := json.Marshal(m.MatchDetails)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal match details: %w", err)
	}
	if m.Severity == "" {
		m.Severity = "medium"
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	res, err := db.Db.Exec(`
		INSERT INTO rule_matches (
			rule_id, rule_name, severity, collector, process_id,
			image, value, timestamp, match_details, event_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RuleID, m.RuleName, m.Severity, m.Collector, m.ProcessID,
		m.Image, m.Value, m.Timestamp.UTC(), string(details), m.EventData)
	if err != nil {
		return 0, fmt.Errorf("failed to insert match: %w", err)
	}
	return res.LastInsertId()
}

// ListMatches returns the newest matches first
func (db *DB) ListMatches(limit int) ([]Match, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := db.Db.Query(`
		SELECT id, rule_id, rule_name, severity, collector, COALESCE(process_id, 0),
			COALESCE(image, ''), COALESCE(value, 0), timestamp,
			COALESCE(match_details, ''), COALESCE(event_data, '')
		FROM rule_matches ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()

	matches := []Match{}
	for rows.Next() {
		var m Match
		var details string
		if err := rows.Scan(&m.ID, &m.RuleID, &m.RuleName, &m.Severity, &m.Collector, &m.ProcessID,
			&m.Image, &m.Value, &m.Timestamp, &details, &m.EventData); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		if details != "" {
			if err := json.Unmarshal([]byte(details), &m.MatchDetails); err != nil {
				return nil, fmt.Errorf("failed to parse match details of %d: %w", m.ID, err)
			}
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.Db.Close()
}
