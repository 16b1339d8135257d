package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/orkestr/internal/config"
	"github.com/loykin/orkestr/internal/event"
	"github.com/loykin/orkestr/internal/governor"
	"github.com/loykin/orkestr/internal/health"
	"github.com/loykin/orkestr/internal/history"
	hfactory "github.com/loykin/orkestr/internal/history/factory"
	"github.com/loykin/orkestr/internal/registry"
	"github.com/loykin/orkestr/internal/scheduler"
	"github.com/loykin/orkestr/internal/store"
	sfactory "github.com/loykin/orkestr/internal/store/factory"
)

var ErrShutdown = errors.New("kernel is shut down")

type options struct {
	catalog *registry.Catalog
	sampler governor.Sampler
	store   store.Store
	sinks   []history.Sink
}

// Option customizes how New builds the kernel.
type Option func(*options)

// WithCatalog replaces the process-wide module catalog.
func WithCatalog(c *registry.Catalog) Option { return func(o *options) { o.catalog = c } }

// WithSampler replaces the gopsutil host sampler.
func WithSampler(s governor.Sampler) Option { return func(o *options) { o.sampler = s } }

// WithStore uses st instead of opening store.dsn. The kernel closes it on shutdown.
func WithStore(st store.Store) Option { return func(o *options) { o.store = st } }

// WithSinks adds history sinks next to the ones configured by DSN.
func WithSinks(s ...history.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// Kernel wires the registry, scheduler, governor, health monitor, bus and
// persistence layer together and owns their lifecycle.
type Kernel struct {
	cfg *config.Config

	bus      *event.Bus
	store    store.Store
	gov      *governor.Governor
	sched    *scheduler.Scheduler
	reg      *registry.Registry
	monitor  *health.Monitor
	exporter *history.Exporter
	unsubs   []func()
	started  time.Time

	mu     sync.Mutex
	booted bool
	closed bool
}

// population feeds the governor's SystemMetrics counters.
type population struct {
	reg   *registry.Registry
	sched *scheduler.Scheduler
}

func (p population) ActiveModules() int   { return p.reg.ActiveModules() }
func (p population) ActiveProcesses() int { return p.sched.ActiveProcesses() }

// New builds every component from cfg. Nothing runs until Boot and Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Kernel, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	st := o.store
	if st == nil {
		s, err := sfactory.NewFromDSN(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		slog.Debug("Store opened", "dsn", sfactory.Redact(cfg.Store.DSN))
		st = s
	}
	sinks := append([]history.Sink(nil), o.sinks...)
	for _, dsn := range cfg.History.Sinks {
		s, err := hfactory.NewSinkFromDSN(ctx, dsn)
		if err != nil {
			// an analytics sink is optional; the kernel keeps running without it
			slog.Warn("History sink disabled", "dsn", sfactory.Redact(dsn), "error", err)
			continue
		}
		sinks = append(sinks, s)
	}
	sampler := o.sampler
	if sampler == nil {
		hs, err := governor.NewHostSampler()
		if err != nil {
			slog.Warn("Host sampler unavailable, reporting zero usage", "error", err)
			sampler = &governor.StaticSampler{}
		} else {
			sampler = hs
		}
	}
	catalog := o.catalog
	if catalog == nil {
		catalog = registry.DefaultCatalog()
	}

	bus := event.NewBus(cfg.Bus.MaxDepth)
	ceiling := cfg.Resources.ThrottleCeiling
	gov := governor.New(governor.Config{
		CPUQuota:             cfg.Resources.CPUQuota,
		MemoryQuota:          cfg.Resources.MemoryQuota,
		Throttling:           cfg.Resources.Throttling,
		OptimizationInterval: cfg.Resources.OptimizationInterval,
		IdleAfter:            cfg.Resources.IdleAfter,
		ThrottleCeiling:      &ceiling,
	}, sampler, bus)
	reg := registry.New(registry.Options{
		MaxModules: cfg.Kernel.MaxModules,
		Catalog:    catalog,
		Bus:        bus,
		Store:      st,
		Metrics:    gov,
		RatePerSec: cfg.Bus.ModuleRatePerSec,
		Burst:      cfg.Bus.ModuleBurst,
	})
	sched := scheduler.New(scheduler.Options{
		MaxProcesses:     cfg.Kernel.MaxProcesses,
		FailureThreshold: cfg.Kernel.FailureThreshold,
		Owners:           reg,
		Gate:             gov,
		Bus:              bus,
		Store:            st,
	})
	reg.UseProcesses(sched)
	gov.Attach(population{reg: reg, sched: sched}, sched, reg)
	monitor := health.New(health.Options{
		Interval:   cfg.Health.Interval,
		Inactivity: cfg.Health.Inactivity,
		Bus:        bus,
		Modules:    reg,
		Sampler:    gov,
	})

	k := &Kernel{
		cfg:      cfg,
		bus:      bus,
		store:    st,
		gov:      gov,
		sched:    sched,
		reg:      reg,
		monitor:  monitor,
		exporter: history.NewExporter(cfg.Kernel.Instance, cfg.History.QueueSize, sinks...),
		started:  time.Now(),
	}
	k.unsubs = append(k.unsubs, bus.Subscribe(event.TopicOrchestration, k.record))
	return k, nil
}

// record is the single consumer of orchestration events: it appends them to
// the store, counts them and hands them to the history exporter.
func (k *Kernel) record(ctx context.Context, e event.Event) {
	oe, ok := e.Data.(store.OrchestrationEvent)
	if !ok {
		return
	}
	if oe.SystemState == nil {
		oe.SystemState = k.gov.Current().Map()
	}
	k.countEvent(oe)
	store.Logged("append_event", k.store.AppendEvent(ctx, oe))
	k.exporter.Enqueue(oe)
}

// stopOwned stops the processes of a module about to be unloaded.
func (k *Kernel) stopOwned(owner string) {
	for _, p := range k.sched.Snapshot() {
		if p.OwnerModule != owner || p.State == store.ProcessStopped {
			continue
		}
		if err := k.sched.Stop(p.ID); err != nil {
			slog.Warn("Failed to stop process of unloaded module", "module", owner, "process", p.ID, "error", err)
		}
	}
}

func (k *Kernel) checkOpen() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return ErrShutdown
	}
	return nil
}

// Config returns the configuration the kernel was built with.
func (k *Kernel) Config() *config.Config { return k.cfg }

// Bus exposes the event bus for embedders that want to observe kernel events.
func (k *Kernel) Bus() *event.Bus { return k.bus }

func (k *Kernel) LoadModule(ctx context.Context, locator string, cfg map[string]any) (string, error) {
	if err := k.checkOpen(); err != nil {
		return "", err
	}
	id, _, err := k.reg.Load(ctx, locator, cfg)
	return id, err
}

// UnloadModule stops the module's processes, then runs its Cleanup and Close hooks.
func (k *Kernel) UnloadModule(ctx context.Context, id string) error {
	if err := k.checkOpen(); err != nil {
		return err
	}
	if _, ok := k.reg.Get(id); !ok {
		return fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}
	k.stopOwned(id)
	return k.reg.Unload(ctx, id)
}

// RegisterProcess registers a process on behalf of an active module.
func (k *Kernel) RegisterProcess(ctx context.Context, owner string, cfg scheduler.Config) (string, error) {
	if err := k.checkOpen(); err != nil {
		return "", err
	}
	if !k.reg.IsActive(owner) {
		return "", fmt.Errorf("%w: %s", registry.ErrNotFound, owner)
	}
	return k.sched.Register(ctx, owner, cfg)
}

func (k *Kernel) StartProcess(id string) error   { return k.control(id, k.sched.Start) }
func (k *Kernel) StopProcess(id string) error    { return k.control(id, k.sched.Stop) }
func (k *Kernel) PauseProcess(id string) error   { return k.control(id, k.sched.Pause) }
func (k *Kernel) ResumeProcess(id string) error  { return k.control(id, k.sched.Resume) }
func (k *Kernel) RestartProcess(id string) error { return k.control(id, k.sched.Restart) }

func (k *Kernel) control(id string, op func(string) error) error {
	if err := k.checkOpen(); err != nil {
		return err
	}
	return op(id)
}

func (k *Kernel) Modules() []store.ModuleRecord { return k.reg.Snapshot() }

func (k *Kernel) Module(id string) (store.ModuleRecord, bool) { return k.reg.Get(id) }

func (k *Kernel) Processes() []store.ProcessRecord { return k.sched.Snapshot() }

func (k *Kernel) Process(id string) (store.ProcessRecord, bool) { return k.sched.Get(id) }

// SystemMetrics returns the cached snapshot; it does not sample the host.
func (k *Kernel) SystemMetrics() governor.SystemMetrics { return k.gov.Current() }

// CheckHealth runs a full health pass immediately.
func (k *Kernel) CheckHealth(ctx context.Context) health.Report { return k.monitor.Check(ctx) }

// LastHealth returns the most recent periodic health report.
func (k *Kernel) LastHealth() health.Report { return k.monitor.Last() }

// Optimize runs one optimization pass immediately.
func (k *Kernel) Optimize(ctx context.Context) []string { return k.gov.Optimize(ctx) }

func (k *Kernel) RecentEvents(ctx context.Context, limit int) ([]store.OrchestrationEvent, error) {
	return k.store.RecentEvents(ctx, limit)
}

// Shutdown stops all processes, then closes modules, then the history sinks
// and the store. It is safe to call more than once.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	slog.Info("Kernel shutting down")
	var errs []error
	if err := k.sched.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop processes: %w", err))
	}
	k.reg.CloseAll(ctx)
	k.monitor.Close()
	for _, u := range k.unsubs {
		u()
	}
	if err := k.exporter.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close history: %w", err))
	}
	if err := k.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
