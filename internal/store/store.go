package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/orkestr/internal/metrics"
)

// ErrPersistence wraps every failure reported by a Store implementation.
// Callers in the kernel log it and keep the in-memory state authoritative.
var ErrPersistence = errors.New("persistence failure")

// Store is the durable side of the kernel: four upsert/append tables plus
// the queries needed by restore and the status surface.
type Store interface {
	EnsureSchema(ctx context.Context) error

	UpsertModule(ctx context.Context, rec ModuleRecord) error
	UpsertProcess(ctx context.Context, rec ProcessRecord) error
	AppendMetric(ctx context.Context, m MetricSample) error
	AppendEvent(ctx context.Context, e OrchestrationEvent) error

	// RestoreActiveState returns modules in loaded/active state and processes
	// in running/paused state. Rows with corrupt blobs are skipped.
	RestoreActiveState(ctx context.Context) (RestoredState, error)

	EventCountsSince(ctx context.Context, since time.Time) (map[Severity]int, error)
	AverageMetricSince(ctx context.Context, metricType string, since time.Time) (float64, error)
	RecentEvents(ctx context.Context, limit int) ([]OrchestrationEvent, error)
	PruneMetricsOlderThan(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Logged downgrades a failed write to a warning. The in-memory state stays
// authoritative until the next successful write of the same record.
func Logged(op string, err error) {
	if err == nil {
		return
	}
	metrics.IncPersistenceFailure(op)
	slog.Warn("Persistence failure", "op", op, "error", err)
}
