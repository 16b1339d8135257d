package heartbeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/orkestr/internal/governor"
	"github.com/loykin/orkestr/internal/registry"
	"github.com/loykin/orkestr/internal/scheduler"
)

type fakeCaps struct {
	proc       scheduler.Config
	broadcasts []map[string]any
	fail       error
}

func (f *fakeCaps) ModuleID() string { return "hb" }
func (f *fakeCaps) SendToModule(context.Context, string, registry.Message) error {
	return nil
}
func (f *fakeCaps) Broadcast(_ context.Context, name string, data map[string]any) error {
	if f.fail != nil {
		return f.fail
	}
	if name != EventName {
		return errors.New("unexpected event " + name)
	}
	f.broadcasts = append(f.broadcasts, data)
	return nil
}
func (f *fakeCaps) SystemMetrics() governor.SystemMetrics { return governor.SystemMetrics{} }
func (f *fakeCaps) RegisterProcess(_ context.Context, cfg scheduler.Config) (string, error) {
	f.proc = cfg
	return "p1", nil
}

func TestRegisteredInDefaultCatalog(t *testing.T) {
	if _, ok := registry.DefaultCatalog().Lookup(Locator); !ok {
		t.Fatalf("heartbeat not registered")
	}
}

func TestBeatBroadcastsMetrics(t *testing.T) {
	m, err := New(map[string]any{"interval": "2s", "priority": int64(5)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	caps := &fakeCaps{}
	m.Bind(caps)
	hb := m.(*Module)
	if err := hb.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if caps.proc.Interval != 2*time.Second || caps.proc.Priority != 5 || !caps.proc.AutoStart {
		t.Fatalf("unexpected process config: %+v", caps.proc)
	}
	tc := scheduler.TickContext{ProcessID: "p1", ExecutionCount: 3, SystemMetrics: governor.SystemMetrics{CPUUsage: 12}}
	if err := caps.proc.Handler(context.Background(), tc); err != nil {
		t.Fatalf("beat: %v", err)
	}
	if len(caps.broadcasts) != 1 || caps.broadcasts[0]["sequence"] != int64(4) || caps.broadcasts[0]["cpu_usage"] != 12.0 {
		t.Fatalf("unexpected broadcast: %+v", caps.broadcasts)
	}
	if hb.Beats() != 1 {
		t.Fatalf("beats = %d", hb.Beats())
	}
}

func TestHealthAfterMissedBeats(t *testing.T) {
	m, _ := New(map[string]any{"interval": "10ms"})
	caps := &fakeCaps{}
	m.Bind(caps)
	hb := m.(*Module)
	_ = hb.Initialize(context.Background())
	if err := hb.Health(context.Background()); err != nil {
		t.Fatalf("fresh module unhealthy: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if err := hb.Health(context.Background()); err == nil {
		t.Fatalf("expected unhealthy after missed beats")
	}
	caps.fail = errors.New("rate limited")
	if err := caps.proc.Handler(context.Background(), scheduler.TickContext{}); err == nil {
		t.Fatalf("expected broadcast error to fail the tick")
	}
	caps.fail = nil
	_ = caps.proc.Handler(context.Background(), scheduler.TickContext{})
	if err := hb.Health(context.Background()); err != nil {
		t.Fatalf("healthy after beat: %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(map[string]any{"interval": "never"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := New(map[string]any{"priority": "high"}); err == nil {
		t.Fatalf("expected error")
	}
}
