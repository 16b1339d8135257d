// Package watchdog provides a module that tracks broadcasts from other
// modules and reports the ones that went silent.
package watchdog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loykin/orkestr/internal/event"
	"github.com/loykin/orkestr/internal/modules"
	"github.com/loykin/orkestr/internal/registry"
	"github.com/loykin/orkestr/internal/scheduler"
)

const (
	Locator = "watchdog"
	// EventStale is broadcast with the ids of modules silent for longer than stale_after.
	EventStale = "module_stale"
)

func init() {
	registry.Register(Locator, New)
}

type sighting struct {
	name string
	at   time.Time
}

type Module struct {
	caps       registry.Capabilities
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time

	mu       sync.Mutex
	seen     map[string]sighting
	reported map[string]bool
}

// New accepts "interval" (default 1m) and "stale_after" (default 5m).
func New(cfg map[string]any) (registry.Module, error) {
	interval, err := modules.Duration(cfg, "interval", time.Minute)
	if err != nil {
		return nil, err
	}
	stale, err := modules.Duration(cfg, "stale_after", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	return &Module{
		interval:   interval,
		staleAfter: stale,
		now:        time.Now,
		seen:       make(map[string]sighting),
		reported:   make(map[string]bool),
	}, nil
}

func (m *Module) Bind(caps registry.Capabilities) { m.caps = caps }

func (m *Module) Describe() registry.Metadata {
	return registry.Metadata{Name: "watchdog", Type: "system", Version: "1.0.0"}
}

func (m *Module) Initialize(ctx context.Context) error {
	_, err := m.caps.RegisterProcess(ctx, scheduler.Config{
		Name:      "watchdog_sweep",
		Type:      "system",
		Priority:  80,
		Interval:  m.interval,
		Handler:   m.sweep,
		AutoStart: true,
	})
	return err
}

func (m *Module) OnKernelEvent(_ context.Context, ev event.Relay) {
	if ev.EventName == EventStale {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[ev.ModuleID] = sighting{name: ev.ModuleName, at: ev.Timestamp}
	delete(m.reported, ev.ModuleID)
}

// ReceiveMessage understands "forget" with data {"module_id": id}.
func (m *Module) ReceiveMessage(_ context.Context, _ string, msg registry.Message) error {
	switch msg.Type {
	case "forget":
		id, _ := msg.Data["module_id"].(string)
		if id == "" {
			return fmt.Errorf("forget requires module_id")
		}
		m.mu.Lock()
		delete(m.seen, id)
		delete(m.reported, id)
		m.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("unsupported message type %q", msg.Type)
	}
}

// Cleanup drops sightings that are already reported as stale.
func (m *Module) Cleanup(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.reported {
		delete(m.seen, id)
		delete(m.reported, id)
	}
	return nil
}

// Stale returns ids of modules silent for longer than stale_after that have
// not been reported yet, and marks them reported.
func (m *Module) Stale() []string {
	cutoff := m.now().Add(-m.staleAfter)
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.seen {
		if s.at.Before(cutoff) && !m.reported[id] {
			m.reported[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Module) sweep(ctx context.Context, _ scheduler.TickContext) error {
	ids := m.Stale()
	if len(ids) == 0 {
		return nil
	}
	return m.caps.Broadcast(ctx, EventStale, map[string]any{"module_ids": ids})
}
