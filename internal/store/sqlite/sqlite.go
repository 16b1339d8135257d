package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/orkestr/internal/store"
)

// Schema is the SQLite DDL for the four kernel tables.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS modules(
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		version TEXT NOT NULL,
		state TEXT NOT NULL,
		load_time INTEGER NOT NULL,
		last_activity INTEGER NOT NULL,
		init_data TEXT NULL,
		perf_metrics TEXT NULL,
		error_count INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_modules_state ON modules(state);`,
	`CREATE TABLE IF NOT EXISTS processes(
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_module TEXT NOT NULL,
		type TEXT NOT NULL,
		state TEXT NOT NULL,
		priority INTEGER NOT NULL,
		interval_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		started_at INTEGER NOT NULL DEFAULT 0,
		last_execution INTEGER NOT NULL DEFAULT 0,
		execution_count INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		cpu_usage REAL NOT NULL DEFAULT 0,
		memory_usage REAL NOT NULL DEFAULT 0,
		performance_score REAL NOT NULL DEFAULT 1
	);`,
	`CREATE INDEX IF NOT EXISTS idx_processes_state ON processes(state);`,
	`CREATE TABLE IF NOT EXISTS system_metrics(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		metric_type TEXT NOT NULL,
		metric_value REAL NOT NULL,
		timestamp INTEGER NOT NULL,
		context TEXT NULL,
		source_module TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS idx_system_metrics_type_ts ON system_metrics(metric_type, timestamp);`,
	`CREATE TABLE IF NOT EXISTS orchestration_events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		description TEXT NOT NULL,
		module_id TEXT NOT NULL DEFAULT '',
		process_id TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		resolved BOOLEAN NOT NULL DEFAULT 0,
		system_state TEXT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_orchestration_events_ts ON orchestration_events(timestamp);`,
}

// New opens a SQLite database at path (modernc.org/sqlite driver, CGO-free).
// Use ":memory:" for an in-memory database.
func New(path string) (*store.SQLStore, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and avoids writer contention
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return store.NewSQLStore(d, store.DialectSQLite, Schema), nil
}
