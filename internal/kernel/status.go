package kernel

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/orkestr/internal/governor"
	"github.com/loykin/orkestr/internal/metrics"
	"github.com/loykin/orkestr/internal/scheduler"
	"github.com/loykin/orkestr/internal/store"
)

type ModuleStatus struct {
	Loaded   int `json:"loaded"`
	Active   int `json:"active"`
	Capacity int `json:"capacity"`
}

type ProcessStatus struct {
	scheduler.Counts
	Capacity int `json:"capacity"`
}

// KernelStatus is the read-only view for dashboards.
type KernelStatus struct {
	Instance  string        `json:"instance"`
	Uptime    time.Duration `json:"uptime"`
	Modules   ModuleStatus  `json:"modules"`
	Processes ProcessStatus `json:"processes"`
	// rolling 24h OrchestrationEvent counts, every severity present
	Events       map[store.Severity]int `json:"events_24h"`
	AvgCPU       float64                `json:"avg_cpu_usage_1h"`
	AvgMemory    float64                `json:"avg_memory_usage_1h"`
	System       governor.SystemMetrics `json:"system"`
	Resources    governor.Config        `json:"resources"`
	HealthIssues int                    `json:"health_issues"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Status never fails: store query errors are logged and reported as zeros.
func (k *Kernel) Status(ctx context.Context) KernelStatus {
	now := time.Now()
	st := KernelStatus{
		Instance: k.cfg.Kernel.Instance,
		Uptime:   now.Sub(k.started),
		Modules: ModuleStatus{
			Loaded:   k.reg.Count(),
			Active:   k.reg.ActiveModules(),
			Capacity: k.reg.Capacity(),
		},
		Processes: ProcessStatus{Counts: k.sched.Counts(), Capacity: k.sched.Capacity()},
		System:    k.gov.Current(),
		Resources: k.gov.Config(),
		Timestamp: now,
	}
	st.HealthIssues = len(k.monitor.Last().Issues)

	counts, err := k.store.EventCountsSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		slog.Warn("Status: event counts unavailable", "error", err)
		counts = make(map[store.Severity]int, len(store.Severities))
		for _, s := range store.Severities {
			counts[s] = 0
		}
	}
	st.Events = counts

	hour := now.Add(-time.Hour)
	if st.AvgCPU, err = k.store.AverageMetricSince(ctx, MetricCPUUsage, hour); err != nil {
		slog.Warn("Status: cpu average unavailable", "error", err)
	}
	if st.AvgMemory, err = k.store.AverageMetricSince(ctx, MetricMemoryUsage, hour); err != nil {
		slog.Warn("Status: memory average unavailable", "error", err)
	}
	return st
}

func (k *Kernel) countEvent(e store.OrchestrationEvent) {
	metrics.IncEvent(string(e.Severity))
	switch e.Severity {
	case store.SeverityCritical, store.SeverityError:
		slog.Error("Orchestration event", "type", e.EventType, "severity", e.Severity, "module", e.ModuleID, "process", e.ProcessID, "description", e.Description)
	case store.SeverityWarning:
		slog.Warn("Orchestration event", "type", e.EventType, "module", e.ModuleID, "process", e.ProcessID, "description", e.Description)
	default:
		slog.Debug("Orchestration event", "type", e.EventType, "module", e.ModuleID, "process", e.ProcessID, "description", e.Description)
	}
}
