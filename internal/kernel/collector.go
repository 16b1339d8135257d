package kernel

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/orkestr/internal/metrics"
	"github.com/loykin/orkestr/internal/store"
)

// Metric types appended by the collector.
const (
	MetricCPUUsage        = "cpu_usage"
	MetricMemoryUsage     = "memory_usage"
	MetricLoadAverage     = "load_average"
	MetricActiveModules   = "active_modules"
	MetricActiveProcesses = "active_processes"
)

// Run drives the governor, health and collector loops until ctx is done or
// one of them fails. It does not shut the kernel down.
func (k *Kernel) Run(ctx context.Context) error {
	if err := k.checkOpen(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.gov.Run(gctx) })
	g.Go(func() error { return k.monitor.Run(gctx) })
	if k.cfg.Metrics.Enabled {
		g.Go(func() error { return k.runCollector(gctx) })
	}
	return g.Wait()
}

func (k *Kernel) runCollector(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.Metrics.CollectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			k.Collect(ctx)
		}
	}
}

// Collect samples the host, appends metric samples, persists module and
// process snapshots and prunes samples older than the retention window.
func (k *Kernel) Collect(ctx context.Context) {
	m := k.gov.Sample(ctx)
	ts := m.Timestamp
	samples := []store.MetricSample{
		{MetricType: MetricCPUUsage, Value: m.CPUUsage},
		{MetricType: MetricMemoryUsage, Value: m.MemoryUsagePercent},
		{MetricType: MetricLoadAverage, Value: m.LoadAverage},
		{MetricType: MetricActiveModules, Value: float64(m.ActiveModules)},
		{MetricType: MetricActiveProcesses, Value: float64(m.ActiveProcesses)},
	}
	for _, s := range samples {
		s.Timestamp = ts
		s.SourceModule = "kernel"
		store.Logged("append_metric", k.store.AppendMetric(ctx, s))
	}

	procs := k.sched.Snapshot()
	perf := make(map[string]*modulePerf)
	for _, p := range procs {
		store.Logged("upsert_process", k.store.UpsertProcess(ctx, p))
		mp := perf[p.OwnerModule]
		if mp == nil {
			mp = &modulePerf{}
			perf[p.OwnerModule] = mp
		}
		mp.add(p)
	}
	for _, rec := range k.reg.Snapshot() {
		if mp := perf[rec.ID]; mp != nil {
			k.reg.SetPerfMetrics(rec.ID, mp.Map())
			if cur, ok := k.reg.Get(rec.ID); ok {
				rec = cur
			}
		}
		store.Logged("upsert_module", k.store.UpsertModule(ctx, rec))
	}

	if ret := k.cfg.Store.MetricRetention; ret > 0 {
		n, err := k.store.PruneMetricsOlderThan(ctx, ts.Add(-ret))
		store.Logged("prune_metrics", err)
		if n > 0 {
			slog.Debug("Pruned metric samples", "rows", n)
		}
	}
	metrics.SetModules(k.reg.Count())
	slog.Debug("Metrics collected", "cpu", m.CPUUsage, "memory", m.MemoryUsagePercent, "processes", len(procs))
}

// modulePerf aggregates the processes of one module into its perf_metrics.
type modulePerf struct {
	processes  int
	running    int
	executions int64
	scoreSum   float64
	cpuSum     float64
	memSum     float64
}

func (m *modulePerf) add(p store.ProcessRecord) {
	m.processes++
	if p.State == store.ProcessRunning {
		m.running++
	}
	m.executions += p.ExecutionCount
	m.scoreSum += p.PerformanceScore
	m.cpuSum += p.CPUUsage
	m.memSum += p.MemoryUsage
}

func (m *modulePerf) Map() map[string]any {
	n := float64(m.processes)
	return map[string]any{
		"processes":             m.processes,
		"running_processes":     m.running,
		"executions":            m.executions,
		"avg_performance_score": m.scoreSum / n,
		"avg_cpu_usage":         m.cpuSum / n,
		"avg_memory_usage_mb":   m.memSum / n,
	}
}
