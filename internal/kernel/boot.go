package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/loykin/orkestr/internal/env"
	"github.com/loykin/orkestr/internal/store"
)

// BootReport summarizes what Boot restored.
type BootReport struct {
	RestoredModules   []string `json:"restored_modules"`
	FailedModules     []string `json:"failed_modules,omitempty"`
	ConfiguredModules []string `json:"configured_modules,omitempty"`
	SeededProcesses   int      `json:"seeded_processes"`
	// processes restored from the store that no module re-registered
	DiscardedProcesses []string `json:"discarded_processes,omitempty"`
}

// Boot prepares the schema, restores modules and processes that were live
// when the previous run ended, then loads the [[modules]] from the config.
// A module that cannot be restored is marked as error and skipped.
func (k *Kernel) Boot(ctx context.Context) (BootReport, error) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return BootReport{}, ErrShutdown
	}
	if k.booted {
		k.mu.Unlock()
		return BootReport{}, fmt.Errorf("kernel already booted")
	}
	k.booted = true
	k.mu.Unlock()

	var rep BootReport
	if err := k.store.EnsureSchema(ctx); err != nil {
		return rep, fmt.Errorf("ensure schema: %w", err)
	}
	k.gov.Sample(ctx)

	restored, err := k.store.RestoreActiveState(ctx)
	if err != nil {
		slog.Warn("State restore failed, starting empty", "error", err)
		restored = store.RestoredState{}
	}
	// processes first, so modules re-registering them adopt the old records
	k.sched.Seed(restored.Processes)
	rep.SeededProcesses = len(restored.Processes)

	for _, rec := range restored.Modules {
		if _, err := k.reg.LoadWithID(ctx, rec.ID, rec.Locator, rec.Config); err != nil {
			slog.Warn("Module restore failed", "id", rec.ID, "locator", rec.Locator, "error", err)
			rep.FailedModules = append(rep.FailedModules, rec.ID)
			rec.State = store.ModuleError
			rec.ErrorCount++
			store.Logged("upsert_module", k.store.UpsertModule(ctx, rec))
			k.bus.Record(ctx, store.OrchestrationEvent{
				EventType:   "module_restore_failed",
				Severity:    store.SeverityError,
				Description: fmt.Sprintf("module %s (%s) could not be restored: %v", rec.Name, rec.Locator, err),
				ModuleID:    rec.ID,
			})
			continue
		}
		rep.RestoredModules = append(rep.RestoredModules, rec.ID)
	}

	vars := env.New(k.cfg.Vars)
	for i, mc := range k.cfg.Modules {
		id := configuredID(mc.Locator, i)
		if _, ok := k.reg.Get(id); ok {
			continue
		}
		if _, err := k.reg.LoadWithID(ctx, id, mc.Locator, vars.ExpandConfig(mc.Config)); err != nil {
			slog.Error("Configured module failed to load", "locator", mc.Locator, "error", err)
			rep.FailedModules = append(rep.FailedModules, id)
			continue
		}
		rep.ConfiguredModules = append(rep.ConfiguredModules, id)
	}

	rep.DiscardedProcesses = k.sched.DiscardUnclaimed(ctx)
	k.bus.Record(ctx, store.OrchestrationEvent{
		EventType: "kernel_booted",
		Severity:  store.SeverityInfo,
		Description: fmt.Sprintf("restored %d module(s), loaded %d configured, %d failed, %d process(es) discarded",
			len(rep.RestoredModules), len(rep.ConfiguredModules), len(rep.FailedModules), len(rep.DiscardedProcesses)),
	})
	slog.Info("Kernel booted",
		"restored", len(rep.RestoredModules),
		"configured", len(rep.ConfiguredModules),
		"failed", len(rep.FailedModules),
		"discarded_processes", len(rep.DiscardedProcesses))
	return rep, nil
}

// configuredID is stable across restarts, so a configured module that was
// restored from the store is not loaded a second time.
func configuredID(locator string, index int) string {
	return "cfg-" + locator + "-" + strconv.Itoa(index)
}
