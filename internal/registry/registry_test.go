package registry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/orkestr/internal/event"
	"github.com/loykin/orkestr/internal/scheduler"
	"github.com/loykin/orkestr/internal/store"
	"github.com/loykin/orkestr/internal/store/sqlite"
)

type stubModule struct {
	caps    Capabilities
	meta    Metadata
	initErr error

	mu        sync.Mutex
	relays    []event.Relay
	messages  []Message
	cleanups  int
	closes    int
	onInit    func(ctx context.Context, caps Capabilities)
	onRelayed func(ctx context.Context, caps Capabilities, ev event.Relay)
}

func (p *stubModule) Bind(c Capabilities) { p.caps = c }
func (p *stubModule) Describe() Metadata  { return p.meta }
func (p *stubModule) Initialize(ctx context.Context) error {
	if p.onInit != nil {
		p.onInit(ctx, p.caps)
	}
	return p.initErr
}
func (p *stubModule) Cleanup(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanups++
	return nil
}
func (p *stubModule) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}
func (p *stubModule) OnKernelEvent(ctx context.Context, ev event.Relay) {
	p.mu.Lock()
	p.relays = append(p.relays, ev)
	p.mu.Unlock()
	if p.onRelayed != nil {
		p.onRelayed(ctx, p.caps, ev)
	}
}
func (p *stubModule) ReceiveMessage(_ context.Context, _ string, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

// bare implements only the construction contract.
type bare struct{}

func (bare) Bind(Capabilities) {}

type fakeProcs struct {
	mu         sync.Mutex
	registered []string
	stopped    []string
}

func (f *fakeProcs) Register(_ context.Context, owner string, cfg scheduler.Config) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := owner + "/" + cfg.Name
	f.registered = append(f.registered, id)
	return id, nil
}

func (f *fakeProcs) Stop(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func catalogWith(mods map[string]func() Module) *Catalog {
	c := NewCatalog()
	for loc, mk := range mods {
		mk := mk
		c.Register(loc, func(map[string]any) (Module, error) { return mk(), nil })
	}
	return c
}

func TestLoadDefaultsMetadataAndPersists(t *testing.T) {
	db, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	r := New(Options{MaxModules: 5, Store: db, Catalog: catalogWith(map[string]func() Module{
		"test/bare": func() Module { return bare{} },
	})})
	id, mod, err := r.Load(context.Background(), "test/bare", map[string]any{"k": "v"})
	if err != nil || mod == nil {
		t.Fatalf("load: %v", err)
	}
	rec, ok := r.Get(id)
	if !ok {
		t.Fatalf("module %s not found", id)
	}
	if rec.Name != "test/bare" || rec.Type != "generic" || rec.Version != "1.0.0" || rec.State != store.ModuleActive {
		t.Fatalf("unexpected defaults: %+v", rec)
	}
	st, err := db.RestoreActiveState(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(st.Modules) != 1 || st.Modules[0].ID != id || st.Modules[0].Locator != "test/bare" || st.Modules[0].Config["k"] != "v" {
		t.Fatalf("unexpected persisted module: %+v", st.Modules)
	}
}

func TestLoadCapacity(t *testing.T) {
	const max = 3
	r := New(Options{MaxModules: max, Catalog: catalogWith(map[string]func() Module{
		"b": func() Module { return bare{} },
	})})
	ctx := context.Background()
	for i := 0; i < max; i++ {
		if _, _, err := r.Load(ctx, "b", nil); err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
	}
	if _, _, err := r.Load(ctx, "b", nil); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if r.Count() != max {
		t.Fatalf("expected %d modules, got %d", max, r.Count())
	}
}

func TestLoadInvalidModule(t *testing.T) {
	c := NewCatalog()
	c.Register("nil", func(map[string]any) (Module, error) { return nil, nil })
	c.Register("fails", func(map[string]any) (Module, error) { return nil, errors.New("bad config") })
	r := New(Options{Catalog: c})
	for _, loc := range []string{"missing", "nil", "fails"} {
		if _, _, err := r.Load(context.Background(), loc, nil); !errors.Is(err, ErrInvalidModule) {
			t.Fatalf("%s: expected ErrInvalidModule, got %v", loc, err)
		}
	}
	if r.Count() != 0 {
		t.Fatalf("nothing should be registered")
	}
}

func TestInitializeFailureRegistersNothing(t *testing.T) {
	procs := &fakeProcs{}
	r := New(Options{Catalog: catalogWith(map[string]func() Module{
		"broken": func() Module {
			return &stubModule{
				initErr: errors.New("no backend"),
				onInit: func(ctx context.Context, caps Capabilities) {
					_, _ = caps.RegisterProcess(ctx, scheduler.Config{Name: "early"})
				},
			}
		},
	})})
	r.UseProcesses(procs)
	before := r.Count()
	_, _, err := r.Load(context.Background(), "broken", nil)
	if !errors.Is(err, ErrInitialize) {
		t.Fatalf("expected ErrInitialize, got %v", err)
	}
	if r.Count() != before {
		t.Fatalf("module count changed: %d -> %d", before, r.Count())
	}
	if len(procs.stopped) != 1 || procs.stopped[0] != procs.registered[0] {
		t.Fatalf("processes registered during initialize must be stopped: %+v", procs)
	}
}

func TestRelayFansOutToOthersOnly(t *testing.T) {
	bus := event.NewBus(0)
	a, b := &stubModule{meta: Metadata{Name: "A"}}, &stubModule{}
	r := New(Options{Bus: bus, Catalog: catalogWith(map[string]func() Module{
		"a": func() Module { return a },
		"b": func() Module { return b },
	})})
	var published []event.Relay
	bus.Subscribe(event.TopicModuleEvent, func(_ context.Context, e event.Event) {
		published = append(published, e.Data.(event.Relay))
	})
	ctx := context.Background()
	aID, _, err := r.Load(ctx, "a", nil)
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	if _, _, err := r.Load(ctx, "b", nil); err != nil {
		t.Fatalf("load b: %v", err)
	}
	if err := a.caps.Broadcast(ctx, "ping", map[string]any{"n": 1}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(b.relays) != 1 || b.relays[0].ModuleID != aID || b.relays[0].EventName != "ping" || b.relays[0].ModuleName != "A" {
		t.Fatalf("B got unexpected relays: %+v", b.relays)
	}
	if len(a.relays) != 0 {
		t.Fatalf("A must not receive its own event: %+v", a.relays)
	}
	if len(published) != 1 || published[0].ModuleID != aID {
		t.Fatalf("relay not published on bus: %+v", published)
	}
}

func TestBroadcastFromInitializeReachesLoadedModules(t *testing.T) {
	bus := event.NewBus(0)
	listener := &stubModule{}
	var initErr error
	var activeDuringInit bool
	starter := &stubModule{meta: Metadata{Name: "starter"}}
	r := New(Options{Bus: bus, Catalog: catalogWith(map[string]func() Module{
		"listener": func() Module { return listener },
		"starter":  func() Module { return starter },
	})})
	ctx := context.Background()
	if _, _, err := r.Load(ctx, "listener", nil); err != nil {
		t.Fatalf("load listener: %v", err)
	}
	starter.onInit = func(ctx context.Context, caps Capabilities) {
		activeDuringInit = r.IsActive(caps.ModuleID())
		initErr = caps.Broadcast(ctx, "ready", map[string]any{"phase": "init"})
	}
	id, _, err := r.Load(ctx, "starter", nil)
	if err != nil {
		t.Fatalf("load starter: %v", err)
	}
	if initErr != nil {
		t.Fatalf("broadcast from initialize: %v", initErr)
	}
	if !activeDuringInit {
		t.Fatalf("module must count as active for its processes while initializing")
	}
	if len(listener.relays) != 1 || listener.relays[0].ModuleID != id || listener.relays[0].EventName != "ready" {
		t.Fatalf("listener got unexpected relays: %+v", listener.relays)
	}
	rec, _ := r.Get(id)
	if rec.State != store.ModuleActive {
		t.Fatalf("expected active after initialize, got %s", rec.State)
	}
}

func TestLoadCapacityCountsInitializingModules(t *testing.T) {
	var r *Registry
	var nested error
	outer := &stubModule{onInit: func(ctx context.Context, _ Capabilities) {
		_, _, nested = r.Load(ctx, "b", nil)
	}}
	r = New(Options{MaxModules: 1, Catalog: catalogWith(map[string]func() Module{
		"outer": func() Module { return outer },
		"b":     func() Module { return bare{} },
	})})
	if _, _, err := r.Load(context.Background(), "outer", nil); err != nil {
		t.Fatalf("load outer: %v", err)
	}
	if !errors.Is(nested, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded for load during initialize, got %v", nested)
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 module, got %d", r.Count())
	}
}

func TestUnloadLogsUndeliveredEvent(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	bus := event.NewBus(1)
	r := New(Options{Bus: bus, Catalog: catalogWith(map[string]func() Module{"b": func() Module { return bare{} }})})
	ctx := context.Background()
	id, _, err := r.Load(ctx, "b", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var unloadErr error
	bus.Subscribe("shutdown_requested", func(ctx context.Context, _ event.Event) {
		unloadErr = r.Unload(ctx, id)
	})
	if err := bus.Publish(ctx, event.Event{Name: "shutdown_requested"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if unloadErr != nil {
		t.Fatalf("unload: %v", unloadErr)
	}
	if r.Count() != 0 {
		t.Fatalf("module should be removed")
	}
	if !strings.Contains(buf.String(), "Event not delivered") || !strings.Contains(buf.String(), event.TopicModuleUnloaded) {
		t.Fatalf("undelivered module_unloaded event was not logged: %s", buf.String())
	}
}

func TestRelayUpdatesLastActivity(t *testing.T) {
	r := New(Options{Catalog: catalogWith(map[string]func() Module{"b": func() Module { return bare{} }})})
	base := time.Now()
	r.now = func() time.Time { return base }
	id, _, _ := r.Load(context.Background(), "b", nil)
	r.now = func() time.Time { return base.Add(time.Minute) }
	if err := r.Relay(context.Background(), id, "x", nil); err != nil {
		t.Fatalf("relay: %v", err)
	}
	rec, _ := r.Get(id)
	if !rec.LastActivity.Equal(base.Add(time.Minute)) {
		t.Fatalf("last activity not updated: %v", rec.LastActivity)
	}
	if err := r.Relay(context.Background(), "nope", "x", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHealthCheckRelayPublishesTopic(t *testing.T) {
	bus := event.NewBus(0)
	r := New(Options{Bus: bus, Catalog: catalogWith(map[string]func() Module{"b": func() Module { return bare{} }})})
	var sources []string
	bus.Subscribe(event.TopicModuleHealthCheck, func(_ context.Context, e event.Event) {
		sources = append(sources, e.Source)
	})
	id, _, _ := r.Load(context.Background(), "b", nil)
	if err := r.Relay(context.Background(), id, event.TopicModuleHealthCheck, nil); err != nil {
		t.Fatalf("relay: %v", err)
	}
	if len(sources) != 1 || sources[0] != id {
		t.Fatalf("expected health check for %s, got %v", id, sources)
	}
}

func TestRelayLoopIsBoundedByBusDepth(t *testing.T) {
	bus := event.NewBus(8)
	ping := &stubModule{}
	pong := &stubModule{}
	echo := func(ctx context.Context, caps Capabilities, ev event.Relay) {
		_ = caps.Broadcast(ctx, ev.EventName, nil)
	}
	ping.onRelayed, pong.onRelayed = echo, echo
	r := New(Options{Bus: bus, Catalog: catalogWith(map[string]func() Module{
		"ping": func() Module { return ping },
		"pong": func() Module { return pong },
	})})
	ctx := context.Background()
	_, _, _ = r.Load(ctx, "ping", nil)
	_, _, _ = r.Load(ctx, "pong", nil)
	if err := ping.caps.Broadcast(ctx, "loop", nil); err != nil {
		t.Fatalf("first broadcast should succeed: %v", err)
	}
	if n := len(ping.relays) + len(pong.relays); n == 0 || n > 8 {
		t.Fatalf("unexpected number of deliveries: %d", n)
	}
}

func TestBroadcastRateLimited(t *testing.T) {
	a := &stubModule{}
	r := New(Options{RatePerSec: 0.001, Burst: 2, Catalog: catalogWith(map[string]func() Module{"a": func() Module { return a }})})
	_, _, _ = r.Load(context.Background(), "a", nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := a.caps.Broadcast(ctx, "x", nil); err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
	}
	if err := a.caps.Broadcast(ctx, "x", nil); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestSendToModule(t *testing.T) {
	a, b := &stubModule{}, &stubModule{}
	r := New(Options{Catalog: catalogWith(map[string]func() Module{
		"a":    func() Module { return a },
		"b":    func() Module { return b },
		"bare": func() Module { return bare{} },
	})})
	ctx := context.Background()
	_, _, _ = r.Load(ctx, "a", nil)
	bID, _, _ := r.Load(ctx, "b", nil)
	bareID, _, _ := r.Load(ctx, "bare", nil)
	if err := a.caps.SendToModule(ctx, bID, Message{Type: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(b.messages) != 1 || b.messages[0].Type != "hello" {
		t.Fatalf("unexpected messages: %+v", b.messages)
	}
	if err := a.caps.SendToModule(ctx, bareID, Message{}); !errors.Is(err, ErrNotReceiver) {
		t.Fatalf("expected ErrNotReceiver, got %v", err)
	}
	if err := a.caps.SendToModule(ctx, "missing", Message{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUnloadRunsHooksAndRemoves(t *testing.T) {
	bus := event.NewBus(0)
	p := &stubModule{}
	r := New(Options{Bus: bus, Catalog: catalogWith(map[string]func() Module{"p": func() Module { return p }})})
	var unloaded []string
	bus.Subscribe(event.TopicModuleUnloaded, func(_ context.Context, e event.Event) { unloaded = append(unloaded, e.Source) })
	id, _, _ := r.Load(context.Background(), "p", nil)
	if err := r.Unload(context.Background(), id); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if p.cleanups != 1 || p.closes != 1 {
		t.Fatalf("hooks not called: cleanup=%d close=%d", p.cleanups, p.closes)
	}
	if r.IsActive(id) || r.Count() != 0 {
		t.Fatalf("module still registered")
	}
	if len(unloaded) != 1 || unloaded[0] != id {
		t.Fatalf("unload event missing: %v", unloaded)
	}
	if err := r.Unload(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second unload: expected ErrNotFound, got %v", err)
	}
}

func TestCleanupIdleOnlyTouchesIdleCleaners(t *testing.T) {
	idle, busy := &stubModule{}, &stubModule{}
	r := New(Options{Catalog: catalogWith(map[string]func() Module{
		"idle": func() Module { return idle },
		"busy": func() Module { return busy },
		"bare": func() Module { return bare{} },
	})})
	base := time.Now()
	r.now = func() time.Time { return base }
	ctx := context.Background()
	idleID, _, _ := r.Load(ctx, "idle", nil)
	busyID, _, _ := r.Load(ctx, "busy", nil)
	_, _, _ = r.Load(ctx, "bare", nil)

	r.now = func() time.Time { return base.Add(40 * time.Minute) }
	r.Touch(busyID)
	ids := r.CleanupIdle(ctx, 30*time.Minute)
	if len(ids) != 1 || ids[0] != idleID {
		t.Fatalf("unexpected cleanup set: %v", ids)
	}
	if idle.cleanups != 1 || busy.cleanups != 0 {
		t.Fatalf("cleanup counts idle=%d busy=%d", idle.cleanups, busy.cleanups)
	}
	if !r.IsActive(idleID) {
		t.Fatalf("cleanup must not unload the module")
	}
}

func TestCloseAllKeepsState(t *testing.T) {
	p := &stubModule{}
	r := New(Options{Catalog: catalogWith(map[string]func() Module{"p": func() Module { return p }})})
	id, _, _ := r.Load(context.Background(), "p", nil)
	r.CloseAll(context.Background())
	if p.closes != 1 || p.cleanups != 0 {
		t.Fatalf("unexpected hooks: close=%d cleanup=%d", p.closes, p.cleanups)
	}
	if rec, _ := r.Get(id); rec.State != store.ModuleActive {
		t.Fatalf("state changed on shutdown: %s", rec.State)
	}
}

func TestCatalogRejectsDuplicates(t *testing.T) {
	c := NewCatalog()
	c.Register("x", func(map[string]any) (Module, error) { return bare{}, nil })
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate locator")
		}
	}()
	c.Register("x", func(map[string]any) (Module, error) { return bare{}, nil })
}
