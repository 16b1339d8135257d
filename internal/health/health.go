package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/orkestr/internal/event"
	"github.com/loykin/orkestr/internal/governor"
	"github.com/loykin/orkestr/internal/registry"
	"github.com/loykin/orkestr/internal/store"
)

// Issue is one finding of a health pass.
type Issue struct {
	Kind     string         `json:"kind"`
	Severity store.Severity `json:"severity"`
	ModuleID string         `json:"module_id,omitempty"`
	Message  string         `json:"message"`
}

// Report is the outcome of a health pass. ModuleID is set for ad hoc checks.
type Report struct {
	Timestamp time.Time              `json:"timestamp"`
	ModuleID  string                 `json:"module_id,omitempty"`
	Issues    []Issue                `json:"issues"`
	Metrics   governor.SystemMetrics `json:"metrics"`
	Modules   int                    `json:"modules"`
}

func (r Report) Healthy() bool { return len(r.Issues) == 0 }

// Modules is the registry surface the monitor reads.
type Modules interface {
	Snapshot() []store.ModuleRecord
	Get(id string) (store.ModuleRecord, bool)
	Instance(id string) (registry.Module, bool)
	RecordError(id string)
	SetPerfMetrics(id string, m map[string]any)
}

// Sampler refreshes system metrics and exposes the quotas.
type Sampler interface {
	Sample(ctx context.Context) governor.SystemMetrics
	Config() governor.Config
}

type Options struct {
	Interval   time.Duration
	Inactivity time.Duration
	Bus        *event.Bus
	Modules    Modules
	Sampler    Sampler
}

// Monitor runs periodic and ad hoc health checks. Findings are advisory
// events; a check never fails.
type Monitor struct {
	opts  Options
	now   func() time.Time
	unsub func()

	mu   sync.RWMutex
	last Report
}

func New(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Inactivity <= 0 {
		opts.Inactivity = 10 * time.Minute
	}
	m := &Monitor{opts: opts, now: time.Now}
	if opts.Bus != nil {
		m.unsub = opts.Bus.Subscribe(event.TopicModuleHealthCheck, func(ctx context.Context, e event.Event) {
			if _, err := m.CheckModule(ctx, e.Source); err != nil {
				slog.Warn("Ad hoc health check failed", "module", e.Source, "error", err)
			}
		})
	}
	return m
}

// Close detaches the monitor from the bus.
func (m *Monitor) Close() {
	if m.unsub != nil {
		m.unsub()
	}
}

// Check runs one full pass and publishes health_check_completed.
func (m *Monitor) Check(ctx context.Context) Report {
	rep := Report{Timestamp: m.now()}
	if m.opts.Sampler != nil {
		rep.Metrics = m.opts.Sampler.Sample(ctx)
		rep.Issues = append(rep.Issues, m.quotaIssues(rep.Metrics)...)
	}
	if m.opts.Modules != nil {
		mods := m.opts.Modules.Snapshot()
		rep.Modules = len(mods)
		for _, rec := range mods {
			rep.Issues = append(rep.Issues, m.moduleIssues(ctx, rec, rep.Timestamp)...)
		}
	}
	return m.finish(ctx, rep)
}

// CheckModule checks a single module outside the periodic cycle.
func (m *Monitor) CheckModule(ctx context.Context, id string) (Report, error) {
	if m.opts.Modules == nil {
		return Report{}, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}
	rec, ok := m.opts.Modules.Get(id)
	if !ok {
		return Report{}, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}
	rep := Report{Timestamp: m.now(), ModuleID: id, Modules: 1}
	if m.opts.Sampler != nil {
		rep.Metrics = m.opts.Sampler.Sample(ctx)
	}
	rep.Issues = m.moduleIssues(ctx, rec, rep.Timestamp)
	return m.finish(ctx, rep), nil
}

// Last returns the most recent full pass.
func (m *Monitor) Last() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Run checks every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) quotaIssues(sm governor.SystemMetrics) []Issue {
	cfg := m.opts.Sampler.Config()
	var out []Issue
	if sm.CPUUsage > cfg.CPUQuota {
		out = append(out, Issue{
			Kind:     "cpu_quota",
			Severity: store.SeverityWarning,
			Message:  fmt.Sprintf("cpu usage %.1f%% exceeds quota %.0f%%", sm.CPUUsage, cfg.CPUQuota),
		})
	}
	if sm.MemoryUsagePercent > cfg.MemoryQuota {
		out = append(out, Issue{
			Kind:     "memory_quota",
			Severity: store.SeverityWarning,
			Message:  fmt.Sprintf("memory usage %.1f%% exceeds quota %.0f%%", sm.MemoryUsagePercent, cfg.MemoryQuota),
		})
	}
	return out
}

// moduleIssues checks one module and stamps the outcome into its
// perf_metrics as last_health_check and health_issues.
func (m *Monitor) moduleIssues(ctx context.Context, rec store.ModuleRecord, now time.Time) []Issue {
	out := m.inspect(ctx, rec, now)
	m.opts.Modules.SetPerfMetrics(rec.ID, map[string]any{
		"last_health_check": now.UTC().Format(time.RFC3339),
		"health_issues":     len(out),
	})
	return out
}

func (m *Monitor) inspect(ctx context.Context, rec store.ModuleRecord, now time.Time) []Issue {
	var out []Issue
	if idle := now.Sub(rec.LastActivity); idle > m.opts.Inactivity {
		out = append(out, Issue{
			Kind:     "module_inactive",
			Severity: store.SeverityWarning,
			ModuleID: rec.ID,
			Message:  fmt.Sprintf("module %s inactive for %s", rec.Name, idle.Truncate(time.Second)),
		})
	}
	inst, ok := m.opts.Modules.Instance(rec.ID)
	if !ok {
		return out
	}
	hr, ok := inst.(registry.HealthReporter)
	if !ok {
		return out
	}
	if err := hr.Health(ctx); err != nil {
		m.opts.Modules.RecordError(rec.ID)
		out = append(out, Issue{
			Kind:     "module_unhealthy",
			Severity: store.SeverityError,
			ModuleID: rec.ID,
			Message:  fmt.Sprintf("module %s reported: %v", rec.Name, err),
		})
	}
	return out
}

func (m *Monitor) finish(ctx context.Context, rep Report) Report {
	if rep.Issues == nil {
		rep.Issues = []Issue{}
	}
	if rep.ModuleID == "" {
		m.mu.Lock()
		m.last = rep
		m.mu.Unlock()
	}
	state := rep.Metrics.Map()
	for _, is := range rep.Issues {
		m.opts.Bus.Record(ctx, store.OrchestrationEvent{
			EventType:   "health_" + is.Kind,
			Severity:    is.Severity,
			Description: is.Message,
			ModuleID:    is.ModuleID,
			SystemState: state,
		})
	}
	if len(rep.Issues) > 0 {
		slog.Warn("Health check found issues", "issues", len(rep.Issues), "module", rep.ModuleID)
	} else {
		slog.Debug("Health check passed", "modules", rep.Modules)
	}
	if m.opts.Bus != nil {
		if err := m.opts.Bus.Publish(ctx, event.Event{Name: event.TopicHealthCheckCompleted, Source: rep.ModuleID, Data: rep, Timestamp: rep.Timestamp}); err != nil {
			slog.Warn("Event not delivered", "topic", event.TopicHealthCheckCompleted, "module", rep.ModuleID, "error", err)
		}
	}
	return rep
}
