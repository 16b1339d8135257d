package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder syntax for the shared SQL implementation.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLStore implements Store on database/sql. Timestamps are stored as
// epoch milliseconds so range queries behave identically on every driver.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	schema  []string
}

// NewSQLStore wraps an opened database. schema holds the dialect specific
// DDL statements executed by EnsureSchema.
func NewSQLStore(db *sql.DB, dialect Dialect, schema []string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, schema: schema}
}

// DB exposes the underlying handle for tests and maintenance commands.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, q := range s.schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%w: ensure schema: %v", ErrPersistence, err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites '?' placeholders into '$n' for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, q string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(q), args...); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

type initData struct {
	Locator string         `json:"locator"`
	Config  map[string]any `json:"config,omitempty"`
}

func (s *SQLStore) UpsertModule(ctx context.Context, rec ModuleRecord) error {
	payload, err := json.Marshal(initData{Locator: rec.Locator, Config: rec.Config})
	if err != nil {
		return fmt.Errorf("%w: encode init_data: %v", ErrPersistence, err)
	}
	perf, err := marshalMap(rec.PerfMetrics)
	if err != nil {
		return fmt.Errorf("%w: encode perf_metrics: %v", ErrPersistence, err)
	}
	return s.exec(ctx, `
		INSERT INTO modules(id, name, type, version, state, load_time, last_activity, init_data, perf_metrics, error_count)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			type=excluded.type,
			version=excluded.version,
			state=excluded.state,
			load_time=excluded.load_time,
			last_activity=excluded.last_activity,
			init_data=excluded.init_data,
			perf_metrics=excluded.perf_metrics,
			error_count=excluded.error_count;`,
		rec.ID, rec.Name, rec.Type, rec.Version, string(rec.State),
		toMillis(rec.LoadTime), toMillis(rec.LastActivity), string(payload), perf, rec.ErrorCount)
}

func (s *SQLStore) UpsertProcess(ctx context.Context, rec ProcessRecord) error {
	return s.exec(ctx, `
		INSERT INTO processes(id, name, owner_module, type, state, priority, interval_ms, created_at, started_at,
			last_execution, execution_count, consecutive_failures, cpu_usage, memory_usage, performance_score)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			owner_module=excluded.owner_module,
			type=excluded.type,
			state=excluded.state,
			priority=excluded.priority,
			interval_ms=excluded.interval_ms,
			created_at=excluded.created_at,
			started_at=excluded.started_at,
			last_execution=excluded.last_execution,
			execution_count=excluded.execution_count,
			consecutive_failures=excluded.consecutive_failures,
			cpu_usage=excluded.cpu_usage,
			memory_usage=excluded.memory_usage,
			performance_score=excluded.performance_score;`,
		rec.ID, rec.Name, rec.OwnerModule, rec.Type, string(rec.State), rec.Priority, rec.Interval.Milliseconds(),
		toMillis(rec.CreatedAt), toMillis(rec.StartedAt), toMillis(rec.LastExecution),
		rec.ExecutionCount, rec.ConsecutiveFailures, rec.CPUUsage, rec.MemoryUsage, rec.PerformanceScore)
}

func (s *SQLStore) AppendMetric(ctx context.Context, m MetricSample) error {
	c, err := marshalMap(m.Context)
	if err != nil {
		return fmt.Errorf("%w: encode context: %v", ErrPersistence, err)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	return s.exec(ctx, `
		INSERT INTO system_metrics(metric_type, metric_value, timestamp, context, source_module)
		VALUES(?, ?, ?, ?, ?);`,
		m.MetricType, m.Value, toMillis(m.Timestamp), c, m.SourceModule)
}

func (s *SQLStore) AppendEvent(ctx context.Context, e OrchestrationEvent) error {
	st, err := marshalMap(e.SystemState)
	if err != nil {
		return fmt.Errorf("%w: encode system_state: %v", ErrPersistence, err)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return s.exec(ctx, `
		INSERT INTO orchestration_events(event_type, severity, description, module_id, process_id, timestamp, resolved, system_state)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.EventType, string(e.Severity), e.Description, e.ModuleID, e.ProcessID, toMillis(e.Timestamp), e.Resolved, st)
}

func (s *SQLStore) RestoreActiveState(ctx context.Context) (RestoredState, error) {
	var out RestoredState
	mods, err := s.restoreModules(ctx)
	if err != nil {
		return out, err
	}
	procs, err := s.restoreProcesses(ctx)
	if err != nil {
		return out, err
	}
	out.Modules = mods
	out.Processes = procs
	return out, nil
}

func (s *SQLStore) restoreModules(ctx context.Context) ([]ModuleRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, name, type, version, state, load_time, last_activity, init_data, perf_metrics, error_count
		FROM modules
		WHERE state IN (?, ?)
		ORDER BY load_time ASC;`), string(ModuleLoaded), string(ModuleActive))
	if err != nil {
		return nil, fmt.Errorf("%w: restore modules: %v", ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]ModuleRecord, 0)
	for rows.Next() {
		var (
			r                ModuleRecord
			state            string
			loadMs, activeMs int64
			initRaw, perfRaw sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Version, &state, &loadMs, &activeMs, &initRaw, &perfRaw, &r.ErrorCount); err != nil {
			return nil, fmt.Errorf("%w: scan module: %v", ErrPersistence, err)
		}
		var seed initData
		if err := json.Unmarshal([]byte(initRaw.String), &seed); err != nil {
			slog.Warn("Skipping module with unreadable init_data", "id", r.ID, "error", err)
			continue
		}
		perf, err := unmarshalMap(perfRaw)
		if err != nil {
			slog.Warn("Skipping module with unreadable perf_metrics", "id", r.ID, "error", err)
			continue
		}
		r.State = ModuleState(state)
		r.Locator = seed.Locator
		r.Config = seed.Config
		r.PerfMetrics = perf
		r.LoadTime = fromMillis(loadMs)
		r.LastActivity = fromMillis(activeMs)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) restoreProcesses(ctx context.Context) ([]ProcessRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, name, owner_module, type, state, priority, interval_ms, created_at, started_at, last_execution,
			execution_count, consecutive_failures, cpu_usage, memory_usage, performance_score
		FROM processes
		WHERE state IN (?, ?)
		ORDER BY created_at ASC;`), string(ProcessRunning), string(ProcessPaused))
	if err != nil {
		return nil, fmt.Errorf("%w: restore processes: %v", ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]ProcessRecord, 0)
	for rows.Next() {
		var (
			r                          ProcessRecord
			state                      string
			intervalMs                 int64
			createdMs, startMs, lastMs int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.OwnerModule, &r.Type, &state, &r.Priority, &intervalMs,
			&createdMs, &startMs, &lastMs, &r.ExecutionCount, &r.ConsecutiveFailures,
			&r.CPUUsage, &r.MemoryUsage, &r.PerformanceScore); err != nil {
			return nil, fmt.Errorf("%w: scan process: %v", ErrPersistence, err)
		}
		r.State = ProcessState(state)
		r.Interval = time.Duration(intervalMs) * time.Millisecond
		r.CreatedAt = fromMillis(createdMs)
		r.StartedAt = fromMillis(startMs)
		r.LastExecution = fromMillis(lastMs)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) EventCountsSince(ctx context.Context, since time.Time) (map[Severity]int, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT severity, COUNT(*)
		FROM orchestration_events
		WHERE timestamp >= ?
		GROUP BY severity;`), toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("%w: event counts: %v", ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[Severity]int, len(Severities))
	for _, sev := range Severities {
		out[sev] = 0
	}
	for rows.Next() {
		var (
			sev string
			n   int
		)
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("%w: scan event count: %v", ErrPersistence, err)
		}
		out[Severity(sev)] = n
	}
	return out, rows.Err()
}

func (s *SQLStore) AverageMetricSince(ctx context.Context, metricType string, since time.Time) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT AVG(metric_value)
		FROM system_metrics
		WHERE metric_type = ? AND timestamp >= ?;`), metricType, toMillis(since)).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("%w: average %s: %v", ErrPersistence, metricType, err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

func (s *SQLStore) RecentEvents(ctx context.Context, limit int) ([]OrchestrationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, event_type, severity, description, module_id, process_id, timestamp, resolved, system_state
		FROM orchestration_events
		ORDER BY id DESC
		LIMIT ?;`), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent events: %v", ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]OrchestrationEvent, 0, limit)
	for rows.Next() {
		var (
			e        OrchestrationEvent
			sev      string
			ts       int64
			stateRaw sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EventType, &sev, &e.Description, &e.ModuleID, &e.ProcessID, &ts, &e.Resolved, &stateRaw); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrPersistence, err)
		}
		e.Severity = Severity(sev)
		e.Timestamp = fromMillis(ts)
		if st, err := unmarshalMap(stateRaw); err == nil {
			e.SystemState = st
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) PruneMetricsOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM system_metrics WHERE timestamp < ?;`), toMillis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("%w: prune metrics: %v", ErrPersistence, err)
	}
	return res.RowsAffected()
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
