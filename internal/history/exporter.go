package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/orkestr/internal/store"
)

// Exporter forwards events to sinks on a background goroutine so a slow
// sink never delays the component that recorded the event. When the queue
// is full the event is dropped and logged.
type Exporter struct {
	instance string
	sinks    []Sink
	timeout  time.Duration

	queue chan Event
	wg    sync.WaitGroup
	once  sync.Once
	mu    sync.RWMutex
	done  bool
}

func NewExporter(instance string, queueSize int, sinks ...Sink) *Exporter {
	if queueSize <= 0 {
		queueSize = 256
	}
	x := &Exporter{
		instance: instance,
		sinks:    append([]Sink(nil), sinks...),
		timeout:  5 * time.Second,
		queue:    make(chan Event, queueSize),
	}
	x.wg.Add(1)
	go x.run()
	return x
}

// Enqueue schedules e for delivery. It never blocks.
func (x *Exporter) Enqueue(e store.OrchestrationEvent) bool {
	if len(x.sinks) == 0 {
		return false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.done {
		return false
	}
	ev := Event{Instance: x.instance, OccurredAt: e.Timestamp, Record: e}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	select {
	case x.queue <- ev:
		return true
	default:
		slog.Warn("History queue full, dropping event", "type", e.EventType)
		return false
	}
}

func (x *Exporter) run() {
	defer x.wg.Done()
	for ev := range x.queue {
		for _, s := range x.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), x.timeout)
			if err := s.Send(ctx, ev); err != nil {
				slog.Warn("History sink send failed", "type", ev.Record.EventType, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events, waiting until ctx is done, then closes the
// sinks that implement io.Closer.
func (x *Exporter) Close(ctx context.Context) error {
	x.once.Do(func() {
		x.mu.Lock()
		x.done = true
		close(x.queue)
		x.mu.Unlock()
	})
	drained := make(chan struct{})
	go func() {
		x.wg.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}
	for _, s := range x.sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return err
}
