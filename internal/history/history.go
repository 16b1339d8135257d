package history

import (
	"context"
	"time"

	"github.com/loykin/orkestr/internal/store"
)

// Event is an orchestration event as exported to analytics systems.
type Event struct {
	Instance   string                   `json:"instance"`
	OccurredAt time.Time                `json:"occurred_at"`
	Record     store.OrchestrationEvent `json:"record"`
}

// Sink is a destination for exported events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
