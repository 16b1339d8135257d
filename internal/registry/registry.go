package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/loykin/orkestr/internal/event"
	"github.com/loykin/orkestr/internal/governor"
	"github.com/loykin/orkestr/internal/metrics"
	"github.com/loykin/orkestr/internal/scheduler"
	"github.com/loykin/orkestr/internal/store"
)

var (
	ErrCapacityExceeded = errors.New("module capacity exceeded")
	ErrInvalidModule    = errors.New("invalid module")
	ErrInitialize       = errors.New("module initialize failed")
	ErrNotFound         = errors.New("module not found")
	ErrNotReceiver      = errors.New("module does not accept messages")
	ErrRateLimited      = errors.New("module broadcast rate exceeded")
)

const (
	defaultType    = "generic"
	defaultVersion = "1.0.0"
)

// ProcessRegistrar is the scheduler as seen by modules.
type ProcessRegistrar interface {
	Register(ctx context.Context, owner string, cfg scheduler.Config) (string, error)
	Stop(id string) error
}

// MetricsSource provides the cached system snapshot.
type MetricsSource interface {
	Current() governor.SystemMetrics
}

type Options struct {
	MaxModules int
	Catalog    *Catalog
	Bus        *event.Bus
	Store      store.Store
	Metrics    MetricsSource
	// per-module Broadcast limit; zero disables limiting
	RatePerSec float64
	Burst      int
}

type entry struct {
	mu  sync.Mutex
	rec store.ModuleRecord
	mod Module
}

func (e *entry) snapshot() store.ModuleRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}

// Registry owns the module arena. Nothing outside this package sees the map.
type Registry struct {
	opts  Options
	now   func() time.Time
	unsub func()

	mu      sync.RWMutex
	modules map[string]*entry
	procs   ProcessRegistrar
}

func New(opts Options) *Registry {
	if opts.MaxModules <= 0 {
		opts.MaxModules = 50
	}
	if opts.Catalog == nil {
		opts.Catalog = defaultCatalog
	}
	r := &Registry{opts: opts, now: time.Now, modules: make(map[string]*entry)}
	if opts.Bus != nil {
		r.unsub = opts.Bus.Subscribe(event.TopicModuleEvent, r.fanOut)
	}
	return r
}

// UseProcesses connects the scheduler once it exists.
func (r *Registry) UseProcesses(p ProcessRegistrar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs = p
}

func (r *Registry) processes() ProcessRegistrar {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.procs
}

// Load constructs the module registered under locator and activates it.
func (r *Registry) Load(ctx context.Context, locator string, cfg map[string]any) (string, Module, error) {
	id := uuid.NewString()
	mod, err := r.LoadWithID(ctx, id, locator, cfg)
	if err != nil {
		return "", nil, err
	}
	return id, mod, nil
}

// LoadWithID is Load with a caller chosen id, used when restoring.
func (r *Registry) LoadWithID(ctx context.Context, id, locator string, cfg map[string]any) (Module, error) {
	mod, err := r.load(ctx, id, locator, cfg)
	metrics.IncModuleLoad(err == nil)
	return mod, err
}

func (r *Registry) load(ctx context.Context, id, locator string, cfg map[string]any) (Module, error) {
	ctor, ok := r.opts.Catalog.Lookup(locator)
	if !ok {
		return nil, fmt.Errorf("%w: unknown locator %q", ErrInvalidModule, locator)
	}
	mod, err := ctor(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: construct %s: %v", ErrInvalidModule, locator, err)
	}
	if mod == nil {
		return nil, fmt.Errorf("%w: constructor for %s returned nil", ErrInvalidModule, locator)
	}

	meta := Metadata{}
	if d, ok := mod.(Describer); ok {
		meta = d.Describe()
	}
	if meta.Name == "" {
		meta.Name = locator
	}
	if meta.Type == "" {
		meta.Type = defaultType
	}
	if meta.Version == "" {
		meta.Version = defaultVersion
	}
	now := r.now()
	rec := store.ModuleRecord{
		ID:           id,
		Name:         meta.Name,
		Type:         meta.Type,
		Version:      meta.Version,
		Locator:      locator,
		Config:       cfg,
		State:        store.ModuleLoaded,
		LoadTime:     now,
		LastActivity: now,
	}

	// The entry is reserved in state loaded before Initialize so the module
	// can broadcast and run processes from its Initialize hook.
	e := &entry{rec: rec, mod: mod}
	r.mu.Lock()
	if len(r.modules) >= r.opts.MaxModules {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: limit %d", ErrCapacityExceeded, r.opts.MaxModules)
	}
	if _, dup := r.modules[id]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: id %s already loaded", ErrInvalidModule, id)
	}
	r.modules[id] = e
	r.mu.Unlock()

	h := &handle{r: r, id: id, tracking: true}
	if r.opts.RatePerSec > 0 {
		burst := r.opts.Burst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(r.opts.RatePerSec), burst)
	}
	mod.Bind(h)

	if in, ok := mod.(Initializer); ok {
		if err := in.Initialize(ctx); err != nil {
			r.mu.Lock()
			delete(r.modules, id)
			r.mu.Unlock()
			h.rollback()
			e.mu.Lock()
			e.rec.State = store.ModuleError
			e.rec.ErrorCount++
			failed := e.rec
			e.mu.Unlock()
			r.persist(ctx, failed)
			r.opts.Bus.Record(ctx, store.OrchestrationEvent{
				EventType:   "module_load_failed",
				Severity:    store.SeverityError,
				Description: fmt.Sprintf("module %s failed to initialize: %v", meta.Name, err),
				ModuleID:    id,
			})
			slog.Warn("Module initialize failed", "id", id, "locator", locator, "error", err)
			return nil, fmt.Errorf("%w: %s: %v", ErrInitialize, locator, err)
		}
	}
	h.settle()

	e.mu.Lock()
	e.rec.State = store.ModuleActive
	rec = e.rec
	e.mu.Unlock()
	metrics.SetModules(r.Count())
	r.persist(ctx, rec)
	slog.Info("Module loaded", "id", id, "name", rec.Name, "type", rec.Type, "version", rec.Version)
	r.publish(ctx, event.Event{Name: event.TopicModuleLoaded, Source: id, Data: rec})
	return mod, nil
}

// Unload runs the Cleanup and Close hooks, marks the module unloaded and
// removes it. Processes owned by the module are left alone; their next tick
// fails because the owner is no longer active.
func (r *Registry) Unload(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.modules[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.modules, id)
	n := len(r.modules)
	r.mu.Unlock()

	if c, ok := e.mod.(Cleaner); ok {
		if err := c.Cleanup(ctx); err != nil {
			slog.Warn("Module cleanup failed", "id", id, "error", err)
		}
	}
	closeQuietly(ctx, id, e.mod)

	e.mu.Lock()
	e.rec.State = store.ModuleUnloaded
	rec := e.rec
	e.mu.Unlock()

	metrics.SetModules(n)
	r.persist(ctx, rec)
	slog.Info("Module unloaded", "id", id, "name", rec.Name)
	r.publish(ctx, event.Event{Name: event.TopicModuleUnloaded, Source: id, Data: rec})
	return nil
}

func (r *Registry) publish(ctx context.Context, ev event.Event) {
	if r.opts.Bus == nil {
		return
	}
	if err := r.opts.Bus.Publish(ctx, ev); err != nil {
		slog.Warn("Event not delivered", "topic", ev.Name, "module", ev.Source, "error", err)
	}
}

func closeQuietly(ctx context.Context, id string, mod Module) {
	if c, ok := mod.(Closer); ok {
		if err := c.Close(ctx); err != nil {
			slog.Warn("Module close failed", "id", id, "error", err)
		}
	}
}

// CloseAll calls Close on every module for kernel shutdown. Records keep
// their state so the next boot restores them.
func (r *Registry) CloseAll(ctx context.Context) {
	if r.unsub != nil {
		r.unsub()
	}
	for _, e := range r.entries() {
		closeQuietly(ctx, e.rec.ID, e.mod)
	}
}

// Relay publishes a module originated event and fans it out to every other module.
func (r *Registry) Relay(ctx context.Context, fromID, name string, data map[string]any) error {
	e, ok := r.entry(fromID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, fromID)
	}
	now := r.now()
	e.mu.Lock()
	e.rec.LastActivity = now
	modName := e.rec.Name
	e.mu.Unlock()

	relay := event.Relay{ModuleID: fromID, ModuleName: modName, EventName: name, EventData: data, Timestamp: now}
	ev := event.Event{Name: event.TopicModuleEvent, Source: fromID, Data: relay, Timestamp: now}
	if r.opts.Bus != nil {
		if err := r.opts.Bus.Publish(ctx, ev); err != nil {
			return err
		}
	} else {
		r.fanOut(ctx, ev)
	}
	if name == event.TopicModuleHealthCheck && r.opts.Bus != nil {
		return r.opts.Bus.Publish(ctx, event.Event{Name: event.TopicModuleHealthCheck, Source: fromID, Data: relay, Timestamp: now})
	}
	return nil
}

// fanOut delivers a relayed event to every module except its source.
func (r *Registry) fanOut(ctx context.Context, ev event.Event) {
	relay, ok := ev.Data.(event.Relay)
	if !ok {
		return
	}
	for _, e := range r.entries() {
		if e.rec.ID == relay.ModuleID {
			continue
		}
		h, ok := e.mod.(KernelEventHandler)
		if !ok {
			continue
		}
		r.deliver(ctx, e, h, relay)
	}
}

func (r *Registry) deliver(ctx context.Context, e *entry, h KernelEventHandler, relay event.Relay) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Module event handler panicked", "module", e.rec.ID, "event", relay.EventName, "panic", rec)
			r.RecordError(e.rec.ID)
		}
	}()
	h.OnKernelEvent(ctx, relay)
}

// SendToModule delivers msg from one module directly to another.
func (r *Registry) SendToModule(ctx context.Context, fromID, target string, msg Message) error {
	e, ok := r.entry(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	recv, ok := e.mod.(MessageReceiver)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotReceiver, target)
	}
	r.Touch(fromID)
	return recv.ReceiveMessage(ctx, fromID, msg)
}

// CleanupIdle calls Cleanup on modules idle for longer than olderThan.
// Modules stay loaded; the returned ids are the ones asked to clean up.
func (r *Registry) CleanupIdle(ctx context.Context, olderThan time.Duration) []string {
	cutoff := r.now().Add(-olderThan)
	var ids []string
	for _, e := range r.entries() {
		c, ok := e.mod.(Cleaner)
		if !ok {
			continue
		}
		rec := e.snapshot()
		if !rec.LastActivity.Before(cutoff) {
			continue
		}
		if err := c.Cleanup(ctx); err != nil {
			slog.Warn("Module cleanup failed", "id", rec.ID, "error", err)
			r.RecordError(rec.ID)
			continue
		}
		ids = append(ids, rec.ID)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) entry(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.modules[id]
	return e, ok
}

// entries returns a load-ordered copy of the arena.
func (r *Registry) entries() []*entry {
	r.mu.RLock()
	out := make([]*entry, 0, len(r.modules))
	for _, e := range r.modules {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].rec, out[j].rec
		if a.LoadTime.Equal(b.LoadTime) {
			return a.ID < b.ID
		}
		return a.LoadTime.Before(b.LoadTime)
	})
	return out
}

// IsActive reports whether id may run processes: active, or loaded and
// still inside its Initialize hook.
func (r *Registry) IsActive(id string) bool {
	e, ok := r.entry(id)
	if !ok {
		return false
	}
	switch e.snapshot().State {
	case store.ModuleActive, store.ModuleLoaded:
		return true
	}
	return false
}

func (r *Registry) Get(id string) (store.ModuleRecord, bool) {
	e, ok := r.entry(id)
	if !ok {
		return store.ModuleRecord{}, false
	}
	return e.snapshot(), true
}

// Instance returns the module behind id for hook checks.
func (r *Registry) Instance(id string) (Module, bool) {
	e, ok := r.entry(id)
	if !ok {
		return nil, false
	}
	return e.mod, true
}

func (r *Registry) Snapshot() []store.ModuleRecord {
	es := r.entries()
	out := make([]store.ModuleRecord, 0, len(es))
	for _, e := range es {
		out = append(out, e.snapshot())
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

func (r *Registry) ActiveModules() int {
	n := 0
	for _, e := range r.entries() {
		if e.snapshot().State == store.ModuleActive {
			n++
		}
	}
	return n
}

func (r *Registry) Capacity() int { return r.opts.MaxModules }

func (r *Registry) Touch(id string) {
	if e, ok := r.entry(id); ok {
		now := r.now()
		e.mu.Lock()
		e.rec.LastActivity = now
		e.mu.Unlock()
	}
}

func (r *Registry) RecordError(id string) {
	if e, ok := r.entry(id); ok {
		e.mu.Lock()
		e.rec.ErrorCount++
		e.mu.Unlock()
	}
}

// SetPerfMetrics merges m into the module's perf_metrics. The map is
// replaced rather than mutated so earlier snapshots stay stable.
func (r *Registry) SetPerfMetrics(id string, m map[string]any) {
	e, ok := r.entry(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	merged := make(map[string]any, len(e.rec.PerfMetrics)+len(m))
	for k, v := range e.rec.PerfMetrics {
		merged[k] = v
	}
	for k, v := range m {
		merged[k] = v
	}
	e.rec.PerfMetrics = merged
}

func (r *Registry) persist(ctx context.Context, rec store.ModuleRecord) {
	if r.opts.Store == nil {
		return
	}
	store.Logged("upsert_module", r.opts.Store.UpsertModule(ctx, rec))
}
