package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultMaxDepth bounds nested publishes (a handler publishing from inside a handler).
const DefaultMaxDepth = 16

var ErrDepthExceeded = errors.New("event nesting depth exceeded")

// Handler reacts to a published event. Handlers run synchronously on the
// publisher's goroutine and may publish further events.
type Handler func(ctx context.Context, e Event)

type subscription struct {
	seq uint64
	h   Handler
}

// Bus is an in-process synchronous publish/subscribe hub.
// Handlers for one publish are invoked in registration order; a nested
// publish is delivered fully before the outer delivery continues.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string][]subscription
	seq      uint64
	maxDepth int
}

func NewBus(maxDepth int) *Bus {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Bus{subs: make(map[string][]subscription), maxDepth: maxDepth}
}

// Subscribe registers h for events named name ("*" for all events).
// The returned func removes the subscription; calling it twice is harmless.
func (b *Bus) Subscribe(name string, h Handler) func() {
	if h == nil {
		return func() {}
	}
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[name] = append(b.subs[name], subscription{seq: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[name]
			for i, s := range list {
				if s.seq == id {
					b.subs[name] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(b.subs[name]) == 0 {
				delete(b.subs, name)
			}
		})
	}
}

// Publish delivers e to every matching subscriber before returning.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	depth := depthFrom(ctx)
	if depth >= b.maxDepth {
		return fmt.Errorf("%w: %s at depth %d", ErrDepthExceeded, e.Name, depth)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	handlers := b.match(e.Name)
	if len(handlers) == 0 {
		return nil
	}
	ctx = withDepth(ctx, depth+1)
	for _, h := range handlers {
		b.deliver(ctx, h, e)
	}
	return nil
}

// HasSubscribers reports whether anything listens on name (wildcards excluded).
func (b *Bus) HasSubscribers(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name]) > 0
}

func (b *Bus) match(name string) []Handler {
	b.mu.RLock()
	direct := b.subs[name]
	var wild []subscription
	if name != Wildcard {
		wild = b.subs[Wildcard]
	}
	merged := make([]subscription, 0, len(direct)+len(wild))
	merged = append(merged, direct...)
	merged = append(merged, wild...)
	b.mu.RUnlock()

	sort.Slice(merged, func(i, j int) bool { return merged[i].seq < merged[j].seq })
	out := make([]Handler, len(merged))
	for i, s := range merged {
		out[i] = s.h
	}
	return out
}

func (b *Bus) deliver(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event handler panicked", "event", e.Name, "source", e.Source, "panic", r)
		}
	}()
	h(ctx, e)
}

type depthKey struct{}

func depthFrom(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

func withDepth(ctx context.Context, d int) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, depthKey{}, d)
}
