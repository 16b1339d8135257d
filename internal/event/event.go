package event

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/orkestr/internal/store"
)

// Topics published on the kernel bus.
const (
	TopicModuleEvent          = "module_event"
	TopicModuleHealthCheck    = "module_health_check"
	TopicHealthCheckCompleted = "health_check_completed"
	TopicOrchestration        = "orchestration_event"
	TopicModuleLoaded         = "module_loaded"
	TopicModuleUnloaded       = "module_unloaded"
	TopicProcessStopped       = "process_stopped"

	// Wildcard receives every published event.
	Wildcard = "*"
)

// Event is a named message delivered to bus subscribers.
type Event struct {
	Name      string
	Source    string
	Data      any
	Timestamp time.Time
}

// Relay is the payload a module receives when another module broadcasts.
type Relay struct {
	ModuleID   string         `json:"module_id"`
	ModuleName string         `json:"module_name"`
	EventName  string         `json:"event_name"`
	EventData  map[string]any `json:"event_data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Record publishes e as an orchestration_event. A nil bus drops the event.
func (b *Bus) Record(ctx context.Context, e store.OrchestrationEvent) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	src := e.ModuleID
	if src == "" {
		src = e.ProcessID
	}
	if err := b.Publish(ctx, Event{Name: TopicOrchestration, Source: src, Data: e, Timestamp: e.Timestamp}); err != nil {
		slog.Warn("Dropping orchestration event", "type", e.EventType, "error", err)
	}
}
