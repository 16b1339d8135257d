package governor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/orkestr/internal/event"
	"github.com/loykin/orkestr/internal/metrics"
	"github.com/loykin/orkestr/internal/store"
)

// Kind selects which quota CheckQuota inspects.
type Kind string

const (
	KindCPU    Kind = "cpu"
	KindMemory Kind = "memory"
)

// SystemMetrics is the snapshot handed to process handlers and modules.
type SystemMetrics struct {
	CPUUsage           float64       `json:"cpu_usage"`
	MemoryUsagePercent float64       `json:"memory_usage_percent"`
	LoadAverage        float64       `json:"load_average"`
	Uptime             time.Duration `json:"uptime"`
	ActiveModules      int           `json:"active_modules"`
	ActiveProcesses    int           `json:"active_processes"`
	Timestamp          time.Time     `json:"timestamp"`
}

// Map renders the snapshot for event payloads and the system_state column.
func (m SystemMetrics) Map() map[string]any {
	return map[string]any{
		"cpu_usage":            m.CPUUsage,
		"memory_usage_percent": m.MemoryUsagePercent,
		"load_average":         m.LoadAverage,
		"uptime_seconds":       m.Uptime.Seconds(),
		"active_modules":       m.ActiveModules,
		"active_processes":     m.ActiveProcesses,
	}
}

// Config holds quotas (percent) and optimization parameters.
type Config struct {
	CPUQuota             float64       `json:"cpu_quota"`
	MemoryQuota          float64       `json:"memory_quota"`
	Throttling           bool          `json:"throttling"`
	OptimizationInterval time.Duration `json:"optimization_interval"`
	IdleAfter            time.Duration `json:"idle_after"`
	// ThrottleCeiling is the highest priority Optimize may throttle. Nil
	// selects the default of 30; zero is honored.
	ThrottleCeiling      *int          `json:"throttle_priority_ceiling"`
	ThrottleFactor       float64       `json:"throttle_factor"`
	ThrottleCap          time.Duration `json:"throttle_cap"`
}

func DefaultConfig() Config {
	ceiling := 30
	return Config{
		CPUQuota:             80,
		MemoryQuota:          85,
		Throttling:           true,
		OptimizationInterval: 5 * time.Minute,
		IdleAfter:            30 * time.Minute,
		ThrottleCeiling:      &ceiling,
		ThrottleFactor:       1.5,
		ThrottleCap:          5 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.OptimizationInterval <= 0 {
		c.OptimizationInterval = d.OptimizationInterval
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = d.IdleAfter
	}
	if c.ThrottleCeiling == nil {
		c.ThrottleCeiling = d.ThrottleCeiling
	}
	if c.ThrottleFactor <= 1 {
		c.ThrottleFactor = d.ThrottleFactor
	}
	if c.ThrottleCap <= 0 {
		c.ThrottleCap = d.ThrottleCap
	}
}

// ThrottleAction describes one interval increase applied to a process.
type ThrottleAction struct {
	ProcessID string
	Name      string
	Priority  int
	From      time.Duration
	To        time.Duration
}

// Throttler stretches the interval of low priority running processes.
type Throttler interface {
	Throttle(priorityCeiling int, factor float64, max time.Duration) []ThrottleAction
}

// IdleCleaner invites modules idle for longer than olderThan to release resources.
type IdleCleaner interface {
	CleanupIdle(ctx context.Context, olderThan time.Duration) []string
}

// Counter reports the live population for SystemMetrics.
type Counter interface {
	ActiveModules() int
	ActiveProcesses() int
}

// Governor samples usage, answers quota checks and runs the optimization pass.
// It only throttles or invites cleanup; it never stops a process or unloads a module.
type Governor struct {
	cfg     Config
	sampler Sampler
	bus     *event.Bus
	started time.Time

	mu        sync.RWMutex
	last      SystemMetrics
	counter   Counter
	throttler Throttler
	cleaner   IdleCleaner
}

func New(cfg Config, sampler Sampler, bus *event.Bus) *Governor {
	cfg.applyDefaults()
	if sampler == nil {
		sampler = &StaticSampler{}
	}
	return &Governor{cfg: cfg, sampler: sampler, bus: bus, started: time.Now()}
}

// Attach wires the components the governor acts upon. Any argument may be nil.
func (g *Governor) Attach(c Counter, t Throttler, cl IdleCleaner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter = c
	g.throttler = t
	g.cleaner = cl
}

func (g *Governor) Config() Config { return g.cfg }

// Sample reads the host, refreshes the cached snapshot and returns it.
// On a sampler error the previous usage figures are kept.
func (g *Governor) Sample(ctx context.Context) SystemMetrics {
	r, err := g.sampler.Sample(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	m := g.last
	if err != nil {
		slog.Warn("System sampling failed", "error", err)
	} else {
		m.CPUUsage = r.CPUUsage
		m.MemoryUsagePercent = r.MemoryUsage
		m.LoadAverage = r.LoadAverage
	}
	m.Uptime = time.Since(g.started)
	if g.counter != nil {
		m.ActiveModules = g.counter.ActiveModules()
		m.ActiveProcesses = g.counter.ActiveProcesses()
	}
	m.Timestamp = time.Now()
	g.last = m
	metrics.SetSystem(m.CPUUsage, m.MemoryUsagePercent, m.LoadAverage)
	return m
}

// Current returns the cached snapshot without touching the host.
func (g *Governor) Current() SystemMetrics {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.last
}

// CheckQuota reports whether the cached usage of kind is above its quota.
// It is always false while throttling is disabled.
func (g *Governor) CheckQuota(kind Kind) bool {
	if !g.cfg.Throttling {
		return false
	}
	m := g.Current()
	switch kind {
	case KindCPU:
		return m.CPUUsage > g.cfg.CPUQuota
	case KindMemory:
		return m.MemoryUsagePercent > g.cfg.MemoryQuota
	default:
		return false
	}
}

// Blocked is true when either quota is exceeded.
func (g *Governor) Blocked() bool {
	return g.CheckQuota(KindCPU) || g.CheckQuota(KindMemory)
}

// Optimize runs one optimization pass against a fresh sample and returns
// a description of every remediation applied. Idle cleanup runs whenever
// memory is over quota; stretching process intervals also needs Throttling.
func (g *Governor) Optimize(ctx context.Context) []string {
	m := g.Sample(ctx)

	g.mu.RLock()
	throttler, cleaner := g.throttler, g.cleaner
	g.mu.RUnlock()

	var applied []string
	if g.cfg.Throttling && m.CPUUsage > g.cfg.CPUQuota && throttler != nil {
		acts := throttler.Throttle(*g.cfg.ThrottleCeiling, g.cfg.ThrottleFactor, g.cfg.ThrottleCap)
		for _, a := range acts {
			metrics.IncThrottle()
			desc := fmt.Sprintf("throttled process %s (priority %d) interval %s -> %s", a.Name, a.Priority, a.From, a.To)
			applied = append(applied, desc)
			g.bus.Record(ctx, store.OrchestrationEvent{
				EventType:   "process_throttled",
				Severity:    store.SeverityInfo,
				Description: desc,
				ProcessID:   a.ProcessID,
				SystemState: m.Map(),
			})
		}
	}
	if m.MemoryUsagePercent > g.cfg.MemoryQuota && cleaner != nil {
		ids := cleaner.CleanupIdle(ctx, g.cfg.IdleAfter)
		if len(ids) > 0 {
			desc := fmt.Sprintf("requested cleanup of %d idle module(s): %s", len(ids), strings.Join(ids, ", "))
			applied = append(applied, desc)
			g.bus.Record(ctx, store.OrchestrationEvent{
				EventType:   "module_cleanup",
				Severity:    store.SeverityInfo,
				Description: desc,
				SystemState: m.Map(),
			})
		}
	}
	if len(applied) > 0 {
		slog.Info("Resource optimization applied", "actions", len(applied), "cpu", m.CPUUsage, "memory", m.MemoryUsagePercent)
	}
	return applied
}

// Run executes Optimize every OptimizationInterval until ctx is done.
func (g *Governor) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.OptimizationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Optimize(ctx)
		}
	}
}
