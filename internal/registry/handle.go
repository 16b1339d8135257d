package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/loykin/orkestr/internal/governor"
	"github.com/loykin/orkestr/internal/scheduler"
)

// handle implements Capabilities for one module.
type handle struct {
	r       *Registry
	id      string
	limiter *rate.Limiter

	mu       sync.Mutex
	tracking bool
	owned    []string
}

func (h *handle) ModuleID() string { return h.id }

func (h *handle) SendToModule(ctx context.Context, target string, msg Message) error {
	return h.r.SendToModule(ctx, h.id, target, msg)
}

func (h *handle) Broadcast(ctx context.Context, name string, data map[string]any) error {
	if h.limiter != nil && !h.limiter.Allow() {
		return fmt.Errorf("%w: %s", ErrRateLimited, h.id)
	}
	return h.r.Relay(ctx, h.id, name, data)
}

func (h *handle) SystemMetrics() governor.SystemMetrics {
	if h.r.opts.Metrics == nil {
		return governor.SystemMetrics{}
	}
	return h.r.opts.Metrics.Current()
}

func (h *handle) RegisterProcess(ctx context.Context, cfg scheduler.Config) (string, error) {
	p := h.r.processes()
	if p == nil {
		return "", errors.New("process scheduler not attached")
	}
	id, err := p.Register(ctx, h.id, cfg)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	if h.tracking {
		h.owned = append(h.owned, id)
	}
	h.mu.Unlock()
	return id, nil
}

// settle stops tracking processes once the module is active.
func (h *handle) settle() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracking = false
	h.owned = nil
}

// rollback stops processes registered by a module whose load failed.
func (h *handle) rollback() {
	h.mu.Lock()
	ids := h.owned
	h.owned = nil
	h.tracking = false
	h.mu.Unlock()
	p := h.r.processes()
	if p == nil {
		return
	}
	for _, id := range ids {
		if err := p.Stop(id); err != nil {
			slog.Warn("Failed to stop process of rejected module", "module", h.id, "process", id, "error", err)
		}
	}
}
