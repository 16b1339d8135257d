package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/metrics"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/orkestr/internal/event"
	"github.com/loykin/orkestr/internal/governor"
	kmetrics "github.com/loykin/orkestr/internal/metrics"
	"github.com/loykin/orkestr/internal/store"
)

// DefaultFailureThreshold is the number of consecutive failures that stops a process.
const DefaultFailureThreshold = 5

var (
	ErrCapacityExceeded = errors.New("process capacity exceeded")
	ErrHandlerFailure   = errors.New("process handler failed")
	ErrInvalidConfig    = errors.New("invalid process config")
	ErrNotFound         = errors.New("process not found")
	ErrStopped          = errors.New("process is stopped")
)

// Owners answers whether a module may still run its processes.
type Owners interface {
	IsActive(moduleID string) bool
}

// Gate is consulted before every tick.
type Gate interface {
	Blocked() bool
	Current() governor.SystemMetrics
}

type Options struct {
	MaxProcesses     int
	FailureThreshold int
	Owners           Owners
	Gate             Gate
	Bus              *event.Bus
	Store            store.Store
}

// Counts summarizes the process population.
type Counts struct {
	Total   int `json:"total"`
	Live    int `json:"live"`
	Running int `json:"running"`
	Paused  int `json:"paused"`
	Stopped int `json:"stopped"`
}

// Scheduler runs module processes on independent timers.
type Scheduler struct {
	opts Options

	mu       sync.RWMutex
	procs    map[string]*process
	restored map[string]store.ProcessRecord

	wg sync.WaitGroup
}

func New(opts Options) *Scheduler {
	if opts.MaxProcesses <= 0 {
		opts.MaxProcesses = 100
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	return &Scheduler{
		opts:     opts,
		procs:    make(map[string]*process),
		restored: make(map[string]store.ProcessRecord),
	}
}

func restoreKey(owner, name string) string { return owner + "\x00" + name }

// Seed remembers restored records. A later Register for the same owner and
// name adopts the record instead of creating a new one.
func (s *Scheduler) Seed(recs []store.ProcessRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		s.restored[restoreKey(r.OwnerModule, r.Name)] = r
	}
}

// DiscardUnclaimed marks restored records nobody re-registered as stopped,
// so they are not restored again on the next boot.
func (s *Scheduler) DiscardUnclaimed(ctx context.Context) []string {
	s.mu.Lock()
	left := s.restored
	s.restored = make(map[string]store.ProcessRecord)
	s.mu.Unlock()

	ids := make([]string, 0, len(left))
	for _, r := range left {
		r.State = store.ProcessStopped
		ids = append(ids, r.ID)
		slog.Warn("Restored process was not re-registered by its module", "id", r.ID, "name", r.Name, "owner", r.OwnerModule)
		s.persist(ctx, r)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) liveLocked() int {
	n := 0
	for _, p := range s.procs {
		p.mu.Lock()
		if p.rec.State.Live() {
			n++
		}
		p.mu.Unlock()
	}
	return n
}

// Register creates a process owned by owner and starts it when requested
// (or when it adopts a restored record that was running).
func (s *Scheduler) Register(ctx context.Context, owner string, cfg Config) (string, error) {
	if cfg.Handler == nil {
		return "", fmt.Errorf("%w: nil handler", ErrInvalidConfig)
	}
	if cfg.Interval <= 0 {
		return "", fmt.Errorf("%w: interval must be > 0", ErrInvalidConfig)
	}
	if cfg.Name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if cfg.Type == "" {
		cfg.Type = "autonomous"
	}

	s.mu.Lock()
	if s.liveLocked() >= s.opts.MaxProcesses {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: limit %d", ErrCapacityExceeded, s.opts.MaxProcesses)
	}
	now := time.Now()
	rec := store.ProcessRecord{
		ID:               uuid.NewString(),
		Name:             cfg.Name,
		OwnerModule:      owner,
		Type:             cfg.Type,
		Priority:         cfg.Priority,
		Interval:         cfg.Interval,
		State:            store.ProcessCreated,
		CreatedAt:        now,
		PerformanceScore: 1,
	}
	resume := cfg.AutoStart
	key := restoreKey(owner, cfg.Name)
	if old, ok := s.restored[key]; ok {
		delete(s.restored, key)
		rec.ID = old.ID
		rec.CreatedAt = old.CreatedAt
		rec.StartedAt = old.StartedAt
		rec.LastExecution = old.LastExecution
		rec.ExecutionCount = old.ExecutionCount
		rec.ConsecutiveFailures = old.ConsecutiveFailures
		rec.CPUUsage = old.CPUUsage
		rec.MemoryUsage = old.MemoryUsage
		rec.PerformanceScore = old.PerformanceScore
		resume = old.State == store.ProcessRunning
		if old.State == store.ProcessPaused {
			rec.State = store.ProcessPaused
		}
	}
	p := &process{rec: rec, original: cfg.Interval, handler: cfg.Handler}
	s.procs[rec.ID] = p
	s.mu.Unlock()

	slog.Info("Process registered", "id", rec.ID, "name", rec.Name, "owner", owner, "priority", rec.Priority, "interval", rec.Interval)
	s.persist(ctx, rec)
	if resume {
		if err := s.Start(rec.ID); err != nil {
			return rec.ID, err
		}
	}
	return rec.ID, nil
}

func (s *Scheduler) lookup(id string) (*process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// Start schedules periodic execution. Starting a running process is a no-op;
// a stopped process must go through Restart.
func (s *Scheduler) Start(id string) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	switch p.rec.State {
	case store.ProcessRunning:
		p.mu.Unlock()
		return nil
	case store.ProcessStopped:
		p.mu.Unlock()
		return fmt.Errorf("%w: %s (use restart)", ErrStopped, id)
	}
	s.launchLocked(p)
	rec := p.rec
	p.mu.Unlock()

	s.persist(context.Background(), rec)
	s.refreshGauges()
	return nil
}

// launchLocked moves p to running and spawns its loop. Caller holds p.mu.
func (s *Scheduler) launchLocked(p *process) {
	p.rec.State = store.ProcessRunning
	if p.rec.StartedAt.IsZero() {
		p.rec.StartedAt = time.Now()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx, p)
}

// Stop cancels future ticks. A tick already in flight finishes and is recorded.
func (s *Scheduler) Stop(id string) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.stop(p, "stopped")
	return nil
}

// stop reports whether p transitioned to stopped.
func (s *Scheduler) stop(p *process, reason string) bool {
	p.mu.Lock()
	if p.rec.State == store.ProcessStopped {
		p.mu.Unlock()
		return false
	}
	p.rec.State = store.ProcessStopped
	p.halt()
	rec := p.rec
	p.mu.Unlock()

	slog.Info("Process stopped", "id", rec.ID, "name", rec.Name, "reason", reason)
	ctx := context.Background()
	s.persist(ctx, rec)
	s.refreshGauges()
	if s.opts.Bus != nil {
		if err := s.opts.Bus.Publish(ctx, event.Event{Name: event.TopicProcessStopped, Source: rec.ID, Data: rec}); err != nil {
			slog.Warn("Event not delivered", "topic", event.TopicProcessStopped, "process", rec.ID, "error", err)
		}
	}
	return true
}

func (s *Scheduler) Pause(id string) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.rec.State != store.ProcessRunning {
		state := p.rec.State
		p.mu.Unlock()
		if state == store.ProcessPaused {
			return nil
		}
		return fmt.Errorf("cannot pause process %s in state %s", id, state)
	}
	p.rec.State = store.ProcessPaused
	p.halt()
	rec := p.rec
	p.mu.Unlock()

	s.persist(context.Background(), rec)
	s.refreshGauges()
	return nil
}

func (s *Scheduler) Resume(id string) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	state := p.rec.State
	p.mu.Unlock()
	if state != store.ProcessPaused {
		if state == store.ProcessRunning {
			return nil
		}
		return fmt.Errorf("cannot resume process %s in state %s", id, state)
	}
	return s.Start(id)
}

// Restart revives a stopped process: the failure counter is reset and the
// capacity limit checked again.
func (s *Scheduler) Restart(id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.mu.Lock()
	state := p.rec.State
	p.mu.Unlock()
	if state != store.ProcessStopped {
		s.mu.Unlock()
		return s.Start(id)
	}
	if s.liveLocked() >= s.opts.MaxProcesses {
		s.mu.Unlock()
		return fmt.Errorf("%w: limit %d", ErrCapacityExceeded, s.opts.MaxProcesses)
	}
	p.mu.Lock()
	p.rec.ConsecutiveFailures = 0
	s.launchLocked(p)
	rec := p.rec
	p.mu.Unlock()
	s.mu.Unlock()

	slog.Info("Process restarted", "id", rec.ID, "name", rec.Name)
	s.persist(context.Background(), rec)
	s.refreshGauges()
	return nil
}

// StopAll cancels every loop and waits for in-flight ticks until ctx is done.
func (s *Scheduler) StopAll(ctx context.Context) error {
	s.mu.RLock()
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	for _, p := range procs {
		p.mu.Lock()
		p.halt()
		rec := p.rec
		p.mu.Unlock()
		// kept as running/paused in the store so the next boot restores it
		s.persist(ctx, rec)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, p *process) {
	defer s.wg.Done()
	timer := time.NewTimer(p.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			// select picks at random when both are ready
			if ctx.Err() != nil {
				return
			}
			s.tick(p)
			if ctx.Err() != nil {
				return
			}
			timer.Reset(p.interval())
		}
	}
}

func (s *Scheduler) tick(p *process) {
	if !p.inflight.CompareAndSwap(false, true) {
		return
	}
	defer p.inflight.Store(false)

	p.mu.Lock()
	tc := TickContext{ProcessID: p.rec.ID, ExecutionCount: p.rec.ExecutionCount}
	owner, interval := p.rec.OwnerModule, p.rec.Interval
	p.mu.Unlock()

	if s.opts.Gate != nil && s.opts.Gate.Blocked() {
		kmetrics.IncSkippedTick()
		slog.Debug("Tick skipped: resource quota exceeded", "id", tc.ProcessID)
		return
	}
	if s.opts.Gate != nil {
		tc.SystemMetrics = s.opts.Gate.Current()
	}

	var err error
	allocBefore := heapAllocs()
	start := time.Now()
	if s.opts.Owners != nil && !s.opts.Owners.IsActive(owner) {
		err = fmt.Errorf("%w: owner module %s is not active", ErrHandlerFailure, owner)
	} else {
		err = invoke(p.handler, tc)
	}
	elapsed := time.Since(start)
	allocMB := float64(heapAllocs()-allocBefore) / (1 << 20)
	kmetrics.ObserveTick(err, elapsed)
	s.record(p, err, elapsed, interval, allocMB)
}

// invoke runs the handler with a context that Stop does not cancel.
func invoke(h HandlerFunc, tc TickContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandlerFailure, r)
		}
	}()
	if err := h(context.Background(), tc); err != nil {
		return fmt.Errorf("%w: %v", ErrHandlerFailure, err)
	}
	return nil
}

func (s *Scheduler) record(p *process, err error, elapsed, interval time.Duration, allocMB float64) {
	p.mu.Lock()
	tripped := false
	if err == nil {
		p.rec.ExecutionCount++
		p.rec.LastExecution = time.Now()
		p.rec.PerformanceScore = performanceScore(elapsed)
		p.rec.ConsecutiveFailures = 0
		p.rec.CPUUsage = ewma(p.rec.CPUUsage, 100*float64(elapsed)/float64(interval))
		p.rec.MemoryUsage = ewma(p.rec.MemoryUsage, allocMB)
	} else {
		p.rec.ConsecutiveFailures++
		tripped = p.rec.ConsecutiveFailures >= s.opts.FailureThreshold && p.rec.State != store.ProcessStopped
	}
	rec := p.rec
	p.mu.Unlock()

	if err != nil {
		slog.Warn("Process tick failed", "id", rec.ID, "name", rec.Name, "failures", rec.ConsecutiveFailures, "error", err)
	}
	if !tripped {
		s.persist(context.Background(), rec)
		return
	}
	if !s.stop(p, "failure threshold") {
		return
	}
	s.opts.Bus.Record(context.Background(), store.OrchestrationEvent{
		EventType:   "process_failure_threshold",
		Severity:    store.SeverityCritical,
		Description: fmt.Sprintf("process %s stopped after %d consecutive failures: %v", rec.Name, rec.ConsecutiveFailures, err),
		ModuleID:    rec.OwnerModule,
		ProcessID:   rec.ID,
		SystemState: s.systemState(),
	})
}

func (s *Scheduler) systemState() map[string]any {
	if s.opts.Gate == nil {
		return nil
	}
	return s.opts.Gate.Current().Map()
}

// Throttle stretches the interval of running processes with priority <= ceiling
// by factor, capped at max. Intervals never shrink.
func (s *Scheduler) Throttle(ceiling int, factor float64, max time.Duration) []governor.ThrottleAction {
	var out []governor.ThrottleAction
	for _, p := range s.sorted() {
		p.mu.Lock()
		if p.rec.State != store.ProcessRunning || p.rec.Priority > ceiling {
			p.mu.Unlock()
			continue
		}
		from := p.rec.Interval
		to := time.Duration(float64(from) * factor)
		if to > max {
			to = max
		}
		if to < p.original {
			to = p.original
		}
		if to <= from {
			p.mu.Unlock()
			continue
		}
		p.rec.Interval = to
		rec := p.rec
		p.mu.Unlock()

		out = append(out, governor.ThrottleAction{ProcessID: rec.ID, Name: rec.Name, Priority: rec.Priority, From: from, To: to})
		s.persist(context.Background(), rec)
	}
	return out
}

func (s *Scheduler) sorted() []*process {
	s.mu.RLock()
	out := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].snapshot(), out[j].snapshot()
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}

// Snapshot returns copies of all process records ordered by creation time.
func (s *Scheduler) Snapshot() []store.ProcessRecord {
	procs := s.sorted()
	out := make([]store.ProcessRecord, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.snapshot())
	}
	return out
}

func (s *Scheduler) Get(id string) (store.ProcessRecord, bool) {
	p, err := s.lookup(id)
	if err != nil {
		return store.ProcessRecord{}, false
	}
	return p.snapshot(), true
}

func (s *Scheduler) Counts() Counts {
	var c Counts
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.procs {
		p.mu.Lock()
		st := p.rec.State
		p.mu.Unlock()
		c.Total++
		if st.Live() {
			c.Live++
		}
		switch st {
		case store.ProcessRunning:
			c.Running++
		case store.ProcessPaused:
			c.Paused++
		case store.ProcessStopped:
			c.Stopped++
		}
	}
	return c
}

// ActiveProcesses counts running processes.
func (s *Scheduler) ActiveProcesses() int { return s.Counts().Running }

func (s *Scheduler) Capacity() int { return s.opts.MaxProcesses }

func (s *Scheduler) refreshGauges() {
	c := s.Counts()
	kmetrics.SetProcessState(string(store.ProcessRunning), c.Running)
	kmetrics.SetProcessState(string(store.ProcessPaused), c.Paused)
	kmetrics.SetProcessState(string(store.ProcessStopped), c.Stopped)
	kmetrics.SetProcessState(string(store.ProcessCreated), c.Live-c.Running-c.Paused)
}

func (s *Scheduler) persist(ctx context.Context, rec store.ProcessRecord) {
	if s.opts.Store == nil {
		return
	}
	store.Logged("upsert_process", s.opts.Store.UpsertProcess(ctx, rec))
}

var allocSample = []metrics.Sample{{Name: "/gc/heap/allocs:bytes"}}
var allocMu sync.Mutex

func heapAllocs() uint64 {
	allocMu.Lock()
	defer allocMu.Unlock()
	metrics.Read(allocSample)
	if allocSample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return allocSample[0].Value.Uint64()
}
