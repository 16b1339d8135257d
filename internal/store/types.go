package store

import (
	"time"
)

// ModuleState is the lifecycle state of a loaded module.
type ModuleState string

const (
	ModuleLoaded   ModuleState = "loaded"
	ModuleActive   ModuleState = "active"
	ModuleError    ModuleState = "error"
	ModuleUnloaded ModuleState = "unloaded"
)

// ProcessState is the lifecycle state of an autonomous process.
type ProcessState string

const (
	ProcessCreated ProcessState = "created"
	ProcessRunning ProcessState = "running"
	ProcessPaused  ProcessState = "paused"
	ProcessStopped ProcessState = "stopped"
)

// Live reports whether the state counts against the process capacity.
func (s ProcessState) Live() bool {
	return s == ProcessCreated || s == ProcessRunning || s == ProcessPaused
}

// Severity classifies an OrchestrationEvent.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Severities lists all severities in ascending order.
var Severities = []Severity{SeverityInfo, SeverityWarning, SeverityError, SeverityCritical}

// ModuleRecord is the persisted metadata of a loaded module.
// Locator and Config are stored together as the init_data blob so the
// module can be reconstructed on restart.
type ModuleRecord struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Version      string         `json:"version"`
	Locator      string         `json:"locator"`
	Config       map[string]any `json:"config,omitempty"`
	State        ModuleState    `json:"state"`
	LoadTime     time.Time      `json:"load_time"`
	LastActivity time.Time      `json:"last_activity"`
	ErrorCount   int            `json:"error_count"`
	PerfMetrics  map[string]any `json:"perf_metrics,omitempty"`
}

// ProcessRecord is the persisted state of a scheduled process.
type ProcessRecord struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	OwnerModule         string        `json:"owner_module"`
	Type                string        `json:"type"`
	Priority            int           `json:"priority"`
	Interval            time.Duration `json:"interval"`
	State               ProcessState  `json:"state"`
	CreatedAt           time.Time     `json:"created_at"`
	StartedAt           time.Time     `json:"started_at,omitempty"`
	LastExecution       time.Time     `json:"last_execution,omitempty"`
	ExecutionCount      int64         `json:"execution_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CPUUsage            float64       `json:"cpu_usage"`
	MemoryUsage         float64       `json:"memory_usage"`
	PerformanceScore    float64       `json:"performance_score"`
}

// MetricSample is an append-only observation of a system metric.
type MetricSample struct {
	ID           int64          `json:"id,omitempty"`
	MetricType   string         `json:"metric_type"`
	Value        float64        `json:"metric_value"`
	Timestamp    time.Time      `json:"timestamp"`
	Context      map[string]any `json:"context,omitempty"`
	SourceModule string         `json:"source_module,omitempty"`
}

// OrchestrationEvent is one entry of the kernel audit trail.
type OrchestrationEvent struct {
	ID          int64          `json:"id,omitempty"`
	EventType   string         `json:"event_type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	ModuleID    string         `json:"module_id,omitempty"`
	ProcessID   string         `json:"process_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Resolved    bool           `json:"resolved"`
	SystemState map[string]any `json:"system_state,omitempty"`
}

// RestoredState is what survives a restart: non-terminal modules and processes.
type RestoredState struct {
	Modules   []ModuleRecord
	Processes []ProcessRecord
}
