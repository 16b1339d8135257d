// Package heartbeat provides a module that periodically broadcasts a
// heartbeat carrying the current system metrics.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/orkestr/internal/modules"
	"github.com/loykin/orkestr/internal/registry"
	"github.com/loykin/orkestr/internal/scheduler"
)

const (
	Locator   = "heartbeat"
	EventName = "heartbeat"
)

func init() {
	registry.Register(Locator, New)
}

// Module broadcasts EventName every interval.
type Module struct {
	caps     registry.Capabilities
	interval time.Duration
	priority int

	mu       sync.Mutex
	beats    int64
	lastBeat time.Time
	started  time.Time
}

// New accepts "interval" (default 30s) and "priority" (default 20).
func New(cfg map[string]any) (registry.Module, error) {
	interval, err := modules.Duration(cfg, "interval", 30*time.Second)
	if err != nil {
		return nil, err
	}
	priority, err := modules.Int(cfg, "priority", 20)
	if err != nil {
		return nil, err
	}
	return &Module{interval: interval, priority: priority}, nil
}

func (m *Module) Bind(caps registry.Capabilities) { m.caps = caps }

func (m *Module) Describe() registry.Metadata {
	return registry.Metadata{Name: "heartbeat", Type: "system", Version: "1.0.0"}
}

func (m *Module) Initialize(ctx context.Context) error {
	m.mu.Lock()
	m.started = time.Now()
	m.mu.Unlock()
	_, err := m.caps.RegisterProcess(ctx, scheduler.Config{
		Name:      "heartbeat",
		Type:      "system",
		Priority:  m.priority,
		Interval:  m.interval,
		Handler:   m.beat,
		AutoStart: true,
	})
	return err
}

func (m *Module) beat(ctx context.Context, tc scheduler.TickContext) error {
	sm := tc.SystemMetrics
	err := m.caps.Broadcast(ctx, EventName, map[string]any{
		"sequence":         tc.ExecutionCount + 1,
		"cpu_usage":        sm.CPUUsage,
		"memory_usage":     sm.MemoryUsagePercent,
		"active_modules":   sm.ActiveModules,
		"active_processes": sm.ActiveProcesses,
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.beats++
	m.lastBeat = time.Now()
	m.mu.Unlock()
	return nil
}

// Health fails when no beat went out for three intervals.
func (m *Module) Health(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.lastBeat
	if last.IsZero() {
		last = m.started
	}
	if since := time.Since(last); since > 3*m.interval {
		return fmt.Errorf("no heartbeat for %s", since.Truncate(time.Second))
	}
	return nil
}

// Beats returns the number of heartbeats broadcast so far.
func (m *Module) Beats() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beats
}
