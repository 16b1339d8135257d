package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/loykin/orkestr/internal/event"
	"github.com/loykin/orkestr/internal/governor"
	"github.com/loykin/orkestr/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type owners struct {
	mu       sync.Mutex
	inactive map[string]bool
}

func (o *owners) IsActive(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.inactive[id]
}

func (o *owners) deactivate(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inactive == nil {
		o.inactive = map[string]bool{}
	}
	o.inactive[id] = true
}

type gate struct{ blocked atomic.Bool }

func (g *gate) Blocked() bool                   { return g.blocked.Load() }
func (g *gate) Current() governor.SystemMetrics { return governor.SystemMetrics{CPUUsage: 1} }

type criticals struct {
	mu     sync.Mutex
	events []store.OrchestrationEvent
}

func (c *criticals) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Severity == store.SeverityCritical {
			n++
		}
	}
	return n
}

func newScheduler(t *testing.T, opts Options) (*Scheduler, *criticals) {
	t.Helper()
	c := &criticals{}
	if opts.Bus == nil {
		opts.Bus = event.NewBus(0)
	}
	opts.Bus.Subscribe(event.TopicOrchestration, func(_ context.Context, e event.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, e.Data.(store.OrchestrationEvent))
	})
	s := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.StopAll(ctx); err != nil {
			t.Errorf("stop all: %v", err)
		}
	})
	return s, c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func okHandler(context.Context, TickContext) error { return nil }

func TestRegisterValidation(t *testing.T) {
	s, _ := newScheduler(t, Options{})
	ctx := context.Background()
	cases := []struct {
		name string
		cfg  Config
	}{
		{"nil handler", Config{Name: "a", Interval: time.Second}},
		{"zero interval", Config{Name: "a", Handler: okHandler}},
		{"missing name", Config{Interval: time.Second, Handler: okHandler}},
	}
	for _, tc := range cases {
		if _, err := s.Register(ctx, "m", tc.cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}

func TestRegisterCapacity(t *testing.T) {
	s, _ := newScheduler(t, Options{MaxProcesses: 2})
	ctx := context.Background()
	first, err := s.Register(ctx, "m", Config{Name: "a", Interval: time.Hour, Handler: okHandler})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.Register(ctx, "m", Config{Name: "b", Interval: time.Hour, Handler: okHandler}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.Register(ctx, "m", Config{Name: "c", Interval: time.Hour, Handler: okHandler}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if c := s.Counts(); c.Total != 2 {
		t.Fatalf("expected 2 records, got %+v", c)
	}
	// stopped processes free their slot
	if err := s.Stop(first); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := s.Register(ctx, "m", Config{Name: "c", Interval: time.Hour, Handler: okHandler}); err != nil {
		t.Fatalf("register after stop: %v", err)
	}
	if err := s.Restart(first); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("restart over capacity should fail, got %v", err)
	}
}

func TestFiveConsecutiveFailuresStopProcess(t *testing.T) {
	s, crit := newScheduler(t, Options{})
	var calls atomic.Int32
	id, err := s.Register(context.Background(), "m", Config{
		Name:      "flaky",
		Interval:  2 * time.Millisecond,
		AutoStart: true,
		Handler: func(context.Context, TickContext) error {
			calls.Add(1)
			return errors.New("boom")
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, "process stopped", func() bool {
		r, _ := s.Get(id)
		return r.State == store.ProcessStopped
	})
	time.Sleep(30 * time.Millisecond)

	if n := calls.Load(); n != 5 {
		t.Fatalf("expected exactly 5 handler calls, got %d", n)
	}
	if n := crit.count(); n != 1 {
		t.Fatalf("expected exactly one critical event, got %d", n)
	}
	r, _ := s.Get(id)
	if r.ConsecutiveFailures != 5 {
		t.Fatalf("expected 5 consecutive failures, got %d", r.ConsecutiveFailures)
	}
	// failed ticks are not executions
	if r.ExecutionCount != 0 {
		t.Fatalf("expected execution count 0, got %d", r.ExecutionCount)
	}
	if err := s.Start(id); !errors.Is(err, ErrStopped) {
		t.Fatalf("start of stopped process should fail, got %v", err)
	}
}

func TestFailuresResetOnSuccess(t *testing.T) {
	s, crit := newScheduler(t, Options{})
	var calls atomic.Int32
	id, err := s.Register(context.Background(), "m", Config{
		Name:      "recovering",
		Interval:  2 * time.Millisecond,
		AutoStart: true,
		Handler: func(context.Context, TickContext) error {
			if calls.Add(1) <= 4 {
				return errors.New("not yet")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, "first success", func() bool {
		r, _ := s.Get(id)
		return r.ExecutionCount >= 1
	})
	r, _ := s.Get(id)
	if r.State != store.ProcessRunning || r.ConsecutiveFailures != 0 {
		t.Fatalf("expected running with reset counter, got %+v", r)
	}
	if r.PerformanceScore < 0.1 || r.PerformanceScore > 1 {
		t.Fatalf("performance score out of range: %v", r.PerformanceScore)
	}
	if crit.count() != 0 {
		t.Fatalf("no critical event expected")
	}
}

func TestBlockedGateSkipsTicks(t *testing.T) {
	g := &gate{}
	g.blocked.Store(true)
	s, _ := newScheduler(t, Options{Gate: g})
	var calls atomic.Int32
	id, _ := s.Register(context.Background(), "m", Config{
		Name: "gated", Interval: 2 * time.Millisecond, AutoStart: true,
		Handler: func(context.Context, TickContext) error { calls.Add(1); return nil },
	})
	time.Sleep(20 * time.Millisecond)
	r, _ := s.Get(id)
	if calls.Load() != 0 || r.ConsecutiveFailures != 0 || r.State != store.ProcessRunning {
		t.Fatalf("blocked ticks must not run or count: calls=%d rec=%+v", calls.Load(), r)
	}
	g.blocked.Store(false)
	waitFor(t, "tick after unblock", func() bool { return calls.Load() > 0 })
}

func TestInactiveOwnerFailsTicks(t *testing.T) {
	o := &owners{}
	s, crit := newScheduler(t, Options{Owners: o})
	var calls atomic.Int32
	id, _ := s.Register(context.Background(), "gone", Config{
		Name: "orphan", Interval: 2 * time.Millisecond, AutoStart: true,
		Handler: func(context.Context, TickContext) error { calls.Add(1); return nil },
	})
	o.deactivate("gone")
	waitFor(t, "orphan stopped", func() bool {
		r, _ := s.Get(id)
		return r.State == store.ProcessStopped
	})
	if crit.count() != 1 {
		t.Fatalf("expected one critical event, got %d", crit.count())
	}
}

func TestHandlerPanicCountsAsFailure(t *testing.T) {
	s, _ := newScheduler(t, Options{})
	id, _ := s.Register(context.Background(), "m", Config{
		Name: "panicky", Interval: 2 * time.Millisecond, AutoStart: true,
		Handler: func(context.Context, TickContext) error { panic("bad") },
	})
	waitFor(t, "panicking process stopped", func() bool {
		r, _ := s.Get(id)
		return r.State == store.ProcessStopped
	})
}

func TestStartIsIdempotentAndPauseResume(t *testing.T) {
	s, _ := newScheduler(t, Options{})
	var calls atomic.Int32
	id, _ := s.Register(context.Background(), "m", Config{
		Name: "p", Interval: 2 * time.Millisecond,
		Handler: func(context.Context, TickContext) error { calls.Add(1); return nil },
	})
	if r, _ := s.Get(id); r.State != store.ProcessCreated {
		t.Fatalf("expected created, got %s", r.State)
	}
	if err := s.Start(id); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(id); err != nil {
		t.Fatalf("second start must be a no-op: %v", err)
	}
	waitFor(t, "ticks", func() bool { return calls.Load() > 0 })

	if err := s.Pause(id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	paused := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != paused {
		t.Fatalf("paused process kept ticking")
	}
	if err := s.Resume(id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, "ticks after resume", func() bool { return calls.Load() > paused })
	if err := s.Stop(id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Resume(id); err == nil {
		t.Fatalf("resume of stopped process should fail")
	}
	if err := s.Stop("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRestartResetsFailures(t *testing.T) {
	s, _ := newScheduler(t, Options{})
	var fail atomic.Bool
	fail.Store(true)
	id, _ := s.Register(context.Background(), "m", Config{
		Name: "r", Interval: 2 * time.Millisecond, AutoStart: true,
		Handler: func(context.Context, TickContext) error {
			if fail.Load() {
				return errors.New("x")
			}
			return nil
		},
	})
	waitFor(t, "stopped", func() bool {
		r, _ := s.Get(id)
		return r.State == store.ProcessStopped
	})
	fail.Store(false)
	if err := s.Restart(id); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "success after restart", func() bool {
		r, _ := s.Get(id)
		return r.ExecutionCount > 0
	})
	r, _ := s.Get(id)
	if r.State != store.ProcessRunning || r.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected record after restart: %+v", r)
	}
}

func TestInFlightTickIsRecordedAfterStop(t *testing.T) {
	s, _ := newScheduler(t, Options{})
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	id, _ := s.Register(context.Background(), "m", Config{
		Name: "slow", Interval: 2 * time.Millisecond, AutoStart: true,
		Handler: func(context.Context, TickContext) error {
			once.Do(func() { close(entered) })
			<-release
			return nil
		},
	})
	<-entered
	if err := s.Stop(id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(release)
	waitFor(t, "in-flight result recorded", func() bool {
		r, _ := s.Get(id)
		return r.ExecutionCount == 1
	})
	if r, _ := s.Get(id); r.State != store.ProcessStopped {
		t.Fatalf("expected stopped, got %s", r.State)
	}
}

func TestThrottleOnlyLowPriority(t *testing.T) {
	s, _ := newScheduler(t, Options{})
	ctx := context.Background()
	ids := map[int]string{}
	for _, prio := range []int{10, 50, 90} {
		id, err := s.Register(ctx, "m", Config{Name: "p", Priority: prio, Interval: time.Second, AutoStart: true, Handler: okHandler})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		ids[prio] = id
	}
	acts := s.Throttle(30, 1.5, 5*time.Minute)
	if len(acts) != 1 || acts[0].ProcessID != ids[10] {
		t.Fatalf("expected only the priority-10 process throttled, got %+v", acts)
	}
	want := map[int]time.Duration{10: 1500 * time.Millisecond, 50: time.Second, 90: time.Second}
	for prio, id := range ids {
		r, _ := s.Get(id)
		if r.Interval != want[prio] {
			t.Fatalf("priority %d: interval %v want %v", prio, r.Interval, want[prio])
		}
	}
}

func TestThrottleIsMonotonicAndCapped(t *testing.T) {
	s, _ := newScheduler(t, Options{})
	id, _ := s.Register(context.Background(), "m", Config{Name: "low", Priority: 1, Interval: time.Second, AutoStart: true, Handler: okHandler})
	prev := time.Second
	for i := 0; i < 30; i++ {
		s.Throttle(30, 1.5, 5*time.Minute)
		r, _ := s.Get(id)
		if r.Interval < prev || r.Interval < time.Second {
			t.Fatalf("interval decreased: %v -> %v", prev, r.Interval)
		}
		if r.Interval > 5*time.Minute {
			t.Fatalf("interval above cap: %v", r.Interval)
		}
		prev = r.Interval
	}
	if prev != 5*time.Minute {
		t.Fatalf("expected interval capped at 5m, got %v", prev)
	}
	if acts := s.Throttle(30, 1.5, 5*time.Minute); len(acts) != 0 {
		t.Fatalf("no action expected at cap, got %+v", acts)
	}
}

func TestThrottleNeverShrinksLongIntervals(t *testing.T) {
	s, _ := newScheduler(t, Options{})
	id, _ := s.Register(context.Background(), "m", Config{Name: "slow", Priority: 1, Interval: 10 * time.Minute, AutoStart: true, Handler: okHandler})
	if acts := s.Throttle(30, 1.5, 5*time.Minute); len(acts) != 0 {
		t.Fatalf("unexpected action: %+v", acts)
	}
	if r, _ := s.Get(id); r.Interval != 10*time.Minute {
		t.Fatalf("interval changed: %v", r.Interval)
	}
}

func TestRegisterAdoptsRestoredRecord(t *testing.T) {
	s, _ := newScheduler(t, Options{})
	created := time.Now().Add(-time.Hour).UTC()
	s.Seed([]store.ProcessRecord{
		{ID: "old-id", Name: "beat", OwnerModule: "m1", State: store.ProcessPaused, ExecutionCount: 7, CreatedAt: created, Interval: time.Second},
		{ID: "orphan", Name: "lost", OwnerModule: "m2", State: store.ProcessRunning, CreatedAt: created, Interval: time.Second},
	})
	id, err := s.Register(context.Background(), "m1", Config{Name: "beat", Interval: time.Second, AutoStart: true, Handler: okHandler})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id != "old-id" {
		t.Fatalf("expected restored id, got %s", id)
	}
	r, _ := s.Get(id)
	if r.State != store.ProcessPaused || r.ExecutionCount != 7 || !r.CreatedAt.Equal(created) {
		t.Fatalf("restored fields not adopted: %+v", r)
	}
	if left := s.DiscardUnclaimed(context.Background()); len(left) != 1 || left[0] != "orphan" {
		t.Fatalf("unexpected unclaimed: %v", left)
	}
}
