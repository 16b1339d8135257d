package watchdog

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/loykin/orkestr/internal/event"
	"github.com/loykin/orkestr/internal/governor"
	"github.com/loykin/orkestr/internal/registry"
	"github.com/loykin/orkestr/internal/scheduler"
)

type fakeCaps struct {
	proc   scheduler.Config
	events []map[string]any
}

func (f *fakeCaps) ModuleID() string { return "wd" }
func (f *fakeCaps) SendToModule(context.Context, string, registry.Message) error {
	return nil
}
func (f *fakeCaps) Broadcast(_ context.Context, _ string, data map[string]any) error {
	f.events = append(f.events, data)
	return nil
}
func (f *fakeCaps) SystemMetrics() governor.SystemMetrics { return governor.SystemMetrics{} }
func (f *fakeCaps) RegisterProcess(_ context.Context, cfg scheduler.Config) (string, error) {
	f.proc = cfg
	return "p1", nil
}

func newWatchdog(t *testing.T, now *time.Time) (*Module, *fakeCaps) {
	t.Helper()
	m, err := New(map[string]any{"interval": "1s", "stale_after": "1m"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wd := m.(*Module)
	wd.now = func() time.Time { return *now }
	caps := &fakeCaps{}
	wd.Bind(caps)
	if err := wd.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return wd, caps
}

func TestSweepReportsSilentModulesOnce(t *testing.T) {
	now := time.Now()
	wd, caps := newWatchdog(t, &now)
	ctx := context.Background()
	wd.OnKernelEvent(ctx, event.Relay{ModuleID: "a", ModuleName: "a", EventName: "heartbeat", Timestamp: now})
	wd.OnKernelEvent(ctx, event.Relay{ModuleID: "b", ModuleName: "b", EventName: "heartbeat", Timestamp: now.Add(50 * time.Second)})

	now = now.Add(70 * time.Second)
	if err := caps.proc.Handler(ctx, scheduler.TickContext{}); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(caps.events) != 1 || !reflect.DeepEqual(caps.events[0]["module_ids"], []string{"a"}) {
		t.Fatalf("unexpected stale report: %+v", caps.events)
	}
	// reported once
	_ = caps.proc.Handler(ctx, scheduler.TickContext{})
	if len(caps.events) != 1 {
		t.Fatalf("stale module reported twice: %+v", caps.events)
	}
	// a new broadcast clears the report
	wd.OnKernelEvent(ctx, event.Relay{ModuleID: "a", EventName: "heartbeat", Timestamp: now})
	now = now.Add(2 * time.Minute)
	_ = caps.proc.Handler(ctx, scheduler.TickContext{})
	if len(caps.events) != 2 || !reflect.DeepEqual(caps.events[1]["module_ids"], []string{"a", "b"}) {
		t.Fatalf("unexpected second report: %+v", caps.events)
	}
}

func TestForgetAndCleanup(t *testing.T) {
	now := time.Now()
	wd, _ := newWatchdog(t, &now)
	ctx := context.Background()
	wd.OnKernelEvent(ctx, event.Relay{ModuleID: "a", Timestamp: now})
	wd.OnKernelEvent(ctx, event.Relay{ModuleID: "b", Timestamp: now})
	wd.OnKernelEvent(ctx, event.Relay{ModuleID: "c", EventName: EventStale, Timestamp: now})

	if err := wd.ReceiveMessage(ctx, "x", registry.Message{Type: "forget", Data: map[string]any{"module_id": "b"}}); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if err := wd.ReceiveMessage(ctx, "x", registry.Message{Type: "forget"}); err == nil {
		t.Fatalf("expected error without module_id")
	}
	if err := wd.ReceiveMessage(ctx, "x", registry.Message{Type: "dance"}); err == nil {
		t.Fatalf("expected error for unknown type")
	}

	now = now.Add(2 * time.Minute)
	if got := wd.Stale(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("stale = %v", got)
	}
	_ = wd.Cleanup(ctx)
	wd.mu.Lock()
	n := len(wd.seen)
	wd.mu.Unlock()
	if n != 0 {
		t.Fatalf("cleanup kept %d sightings", n)
	}
}
