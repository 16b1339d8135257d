package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/orkestr/internal/history"
)

// Options configure the native ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "orchestration_events"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Sink{conn: conn, table: opts.Table}, nil
}

// EnsureTable creates the event table when missing.
func (s *Sink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			instance String,
			occurred_at DateTime64(3),
			event_type String,
			severity LowCardinality(String),
			description String,
			module_id String,
			process_id String,
			resolved Bool,
			system_state String
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, event_type)`, s.table))
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	state, err := json.Marshal(e.Record.SystemState)
	if err != nil {
		return fmt.Errorf("encode system_state: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (instance, occurred_at, event_type, severity, description, module_id, process_id, resolved, system_state) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	err = s.conn.Exec(ctx, query,
		e.Instance,
		e.OccurredAt,
		e.Record.EventType,
		string(e.Record.Severity),
		e.Record.Description,
		e.Record.ModuleID,
		e.Record.ProcessID,
		e.Record.Resolved,
		string(state),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
