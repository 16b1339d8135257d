package registry

import (
	"context"

	"github.com/loykin/orkestr/internal/event"
	"github.com/loykin/orkestr/internal/governor"
	"github.com/loykin/orkestr/internal/scheduler"
)

// Message is a direct module-to-module payload.
type Message struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Capabilities is the only handle a module gets on the kernel.
type Capabilities interface {
	ModuleID() string
	SendToModule(ctx context.Context, target string, msg Message) error
	Broadcast(ctx context.Context, name string, data map[string]any) error
	SystemMetrics() governor.SystemMetrics
	RegisterProcess(ctx context.Context, cfg scheduler.Config) (string, error)
}

// Module is the construction contract every pluggable component satisfies.
// The remaining hooks are optional and detected by type assertion.
type Module interface {
	Bind(caps Capabilities)
}

// Metadata identifies a module. Empty fields fall back to defaults.
type Metadata struct {
	Name    string
	Type    string
	Version string
}

type Describer interface {
	Describe() Metadata
}

// Initializer is called once after load. An error aborts the load.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Cleaner releases resources under memory pressure and before unload.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Closer is called on unload and kernel shutdown.
type Closer interface {
	Close(ctx context.Context) error
}

// KernelEventHandler receives events broadcast by other modules.
type KernelEventHandler interface {
	OnKernelEvent(ctx context.Context, ev event.Relay)
}

type MessageReceiver interface {
	ReceiveMessage(ctx context.Context, from string, msg Message) error
}

// HealthReporter lets the health monitor ask a module about itself.
type HealthReporter interface {
	Health(ctx context.Context) error
}
