// Package orkestr embeds the module orchestration kernel: pluggable modules,
// autonomous processes on independent timers, resource-aware throttling,
// health monitoring and a persistent audit trail.
package orkestr

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/orkestr/internal/auth"
	"github.com/loykin/orkestr/internal/config"
	"github.com/loykin/orkestr/internal/event"
	"github.com/loykin/orkestr/internal/governor"
	"github.com/loykin/orkestr/internal/history"
	"github.com/loykin/orkestr/internal/kernel"
	"github.com/loykin/orkestr/internal/metrics"
	"github.com/loykin/orkestr/internal/registry"
	"github.com/loykin/orkestr/internal/scheduler"
	iapi "github.com/loykin/orkestr/internal/server"
	itls "github.com/loykin/orkestr/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Kernel = kernel.Kernel

type KernelStatus = kernel.KernelStatus

type BootReport = kernel.BootReport

type Option = kernel.Option

// Module authoring surface.
type (
	Module        = registry.Module
	Capabilities  = registry.Capabilities
	Constructor   = registry.Constructor
	Metadata      = registry.Metadata
	Message       = registry.Message
	Catalog       = registry.Catalog
	Relay         = event.Relay
	ProcessConfig = scheduler.Config
	TickContext   = scheduler.TickContext
	SystemMetrics = governor.SystemMetrics
	Sampler       = governor.Sampler
	HistorySink   = history.Sink
)

var (
	WithCatalog = kernel.WithCatalog
	WithSampler = kernel.WithSampler
	WithSinks   = kernel.WithSinks
)

// New builds a kernel; call Boot, then Run, then Shutdown.
func New(ctx context.Context, c *Config, opts ...Option) (*Kernel, error) {
	return kernel.New(ctx, c, opts...)
}

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() (*Config, error) { return config.Default() }

// RegisterModule adds a constructor to the process-wide module catalog.
// Call it from an init function; duplicate locators panic.
func RegisterModule(locator string, ctor Constructor) { registry.Register(locator, ctor) }

func NewCatalog() *Catalog { return registry.NewCatalog() }

// HashPassword returns the bcrypt hash for a [[server.auth.users]] entry.
func HashPassword(password string) (string, error) { return auth.HashPassword(password) }

// NewHTTPServer starts the kernel API on c.Server.Listen, over HTTPS when
// [server.tls] is enabled and behind login when [server.auth] is. /metrics
// is mounted on it unless metrics.listen names a separate address.
func NewHTTPServer(k *Kernel, c *Config) (*http.Server, error) {
	tc, err := itls.Setup(c.Server.TLS)
	if err != nil {
		return nil, err
	}
	var svc *auth.Service
	if c.Server.Auth.Enabled {
		if svc, err = auth.NewService(c.Server.Auth); err != nil {
			return nil, err
		}
	}
	return iapi.NewServer(c.Server.Listen, k, iapi.Options{
		BasePath:     c.Server.BasePath,
		MountMetrics: c.Metrics.Enabled && c.Metrics.Listen == "",
		TLS:          tc,
		Auth:         svc,
	})
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	return newMetricsServer(addr).ListenAndServe()
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
