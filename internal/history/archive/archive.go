package archive

import (
	"context"

	"github.com/loykin/orkestr/internal/history"
	"github.com/loykin/orkestr/internal/store"
	"github.com/loykin/orkestr/internal/store/factory"
)

// Sink mirrors events into the orchestration_events table of another
// database, e.g. a central postgres shared by several kernels.
type Sink struct {
	st store.Store
}

// New opens dsn with the store factory and creates the schema.
func New(ctx context.Context, dsn string) (*Sink, error) {
	st, err := factory.NewFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return &Sink{st: st}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	rec.ID = 0
	if rec.Timestamp.IsZero() {
		rec.Timestamp = e.OccurredAt
	}
	if e.Instance != "" {
		state := make(map[string]any, len(rec.SystemState)+1)
		for k, v := range rec.SystemState {
			state[k] = v
		}
		state["instance"] = e.Instance
		rec.SystemState = state
	}
	return s.st.AppendEvent(ctx, rec)
}

func (s *Sink) Close() error { return s.st.Close() }

// Recent exposes the archived events, mainly for tests and the CLI.
func (s *Sink) Recent(ctx context.Context, limit int) ([]store.OrchestrationEvent, error) {
	return s.st.RecentEvents(ctx, limit)
}
