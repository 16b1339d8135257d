package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/orkestr/internal/governor"
	"github.com/loykin/orkestr/internal/store"
)

// TickContext is passed to a process handler on every execution.
type TickContext struct {
	ProcessID      string
	ExecutionCount int64
	SystemMetrics  governor.SystemMetrics
}

// HandlerFunc is the executable behavior a module supplies for a process.
type HandlerFunc func(ctx context.Context, tc TickContext) error

// Config describes a process at registration.
type Config struct {
	Name      string
	Type      string
	Priority  int
	Interval  time.Duration
	Handler   HandlerFunc
	AutoStart bool
}

// process couples the persisted record with its runtime loop.
type process struct {
	mu       sync.Mutex
	rec      store.ProcessRecord
	original time.Duration
	handler  HandlerFunc
	cancel   context.CancelFunc

	// guards against overlapping ticks, including a tick still finishing
	// from a previous loop after Restart
	inflight atomic.Bool
}

func (p *process) snapshot() store.ProcessRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec
}

func (p *process) interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.Interval
}

// halt cancels the loop of p. Caller holds p.mu.
func (p *process) halt() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

const (
	scoreWindow = 10 * time.Second
	minScore    = 0.1
	ewmaAlpha   = 0.3
)

func performanceScore(elapsed time.Duration) float64 {
	s := 1 - float64(elapsed)/float64(scoreWindow)
	if s < minScore {
		return minScore
	}
	if s > 1 {
		return 1
	}
	return s
}

func ewma(prev, sample float64) float64 {
	if prev == 0 {
		return sample
	}
	return prev + ewmaAlpha*(sample-prev)
}
