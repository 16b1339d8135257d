package client

import "time"

// LoadRequest represents a request to load a module
type LoadRequest struct {
	Locator string         `json:"locator"`
	Config  map[string]any `json:"config,omitempty"`
}

// ProcessQuery filters the process listing
type ProcessQuery struct {
	State string
	Owner string
}

// Module is a loaded module as reported by the daemon
type Module struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Version      string         `json:"version"`
	Locator      string         `json:"locator"`
	Config       map[string]any `json:"config,omitempty"`
	State        string         `json:"state"`
	LoadTime     time.Time      `json:"load_time"`
	LastActivity time.Time      `json:"last_activity"`
	ErrorCount   int            `json:"error_count"`
	PerfMetrics  map[string]any `json:"perf_metrics,omitempty"`
}

// Process is a scheduled process as reported by the daemon
type Process struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	OwnerModule         string        `json:"owner_module"`
	Type                string        `json:"type"`
	Priority            int           `json:"priority"`
	Interval            time.Duration `json:"interval"`
	State               string        `json:"state"`
	CreatedAt           time.Time     `json:"created_at"`
	StartedAt           time.Time     `json:"started_at,omitempty"`
	LastExecution       time.Time     `json:"last_execution,omitempty"`
	ExecutionCount      int64         `json:"execution_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	PerformanceScore    float64       `json:"performance_score"`
}

// Event is one entry of the orchestration audit trail
type Event struct {
	ID          int64          `json:"id,omitempty"`
	EventType   string         `json:"event_type"`
	Severity    string         `json:"severity"`
	Description string         `json:"description"`
	ModuleID    string         `json:"module_id,omitempty"`
	ProcessID   string         `json:"process_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	SystemState map[string]any `json:"system_state,omitempty"`
}

// SystemMetrics is the governor's cached host snapshot
type SystemMetrics struct {
	CPUUsage           float64       `json:"cpu_usage"`
	MemoryUsagePercent float64       `json:"memory_usage_percent"`
	LoadAverage        float64       `json:"load_average"`
	Uptime             time.Duration `json:"uptime"`
	ActiveModules      int           `json:"active_modules"`
	ActiveProcesses    int           `json:"active_processes"`
	Timestamp          time.Time     `json:"timestamp"`
}

// Status is the kernel overview
type Status struct {
	Instance string        `json:"instance"`
	Uptime   time.Duration `json:"uptime"`
	Modules  struct {
		Loaded   int `json:"loaded"`
		Active   int `json:"active"`
		Capacity int `json:"capacity"`
	} `json:"modules"`
	Processes struct {
		Total    int `json:"total"`
		Live     int `json:"live"`
		Running  int `json:"running"`
		Paused   int `json:"paused"`
		Stopped  int `json:"stopped"`
		Capacity int `json:"capacity"`
	} `json:"processes"`
	Events       map[string]int `json:"events_24h"`
	AvgCPU       float64        `json:"avg_cpu_usage_1h"`
	AvgMemory    float64        `json:"avg_memory_usage_1h"`
	System       SystemMetrics  `json:"system"`
	HealthIssues int            `json:"health_issues"`
	Timestamp    time.Time      `json:"timestamp"`
}

// HealthIssue is one finding of a health pass
type HealthIssue struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	ModuleID string `json:"module_id,omitempty"`
	Message  string `json:"message"`
}

// Health is a health report
type Health struct {
	Timestamp time.Time     `json:"timestamp"`
	Issues    []HealthIssue `json:"issues"`
	Metrics   SystemMetrics `json:"metrics"`
	Modules   int           `json:"modules"`
}

// Token is a bearer token issued by /auth/login
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
