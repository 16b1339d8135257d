package governor

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

// Reading is one raw observation of the host process.
type Reading struct {
	CPUUsage    float64
	MemoryUsage float64
	LoadAverage float64
}

// Sampler reads CPU/memory usage. Implementations must be safe for concurrent use.
type Sampler interface {
	Sample(ctx context.Context) (Reading, error)
}

// HostSampler samples the kernel's own process through gopsutil.
type HostSampler struct {
	proc *process.Process
}

func NewHostSampler() (*HostSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &HostSampler{proc: p}, nil
}

func (h *HostSampler) Sample(ctx context.Context) (Reading, error) {
	var r Reading
	cpu, err := h.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return r, err
	}
	mem, err := h.proc.MemoryPercentWithContext(ctx)
	if err != nil {
		return r, err
	}
	r.CPUUsage = cpu
	r.MemoryUsage = float64(mem)
	// load average is unavailable on some platforms; leave it at zero there
	if avg, err := load.AvgWithContext(ctx); err == nil {
		r.LoadAverage = avg.Load1
	}
	return r, nil
}

// StaticSampler returns a fixed reading. Useful for tests and dry runs.
type StaticSampler struct {
	Reading Reading
}

func (s *StaticSampler) Sample(context.Context) (Reading, error) { return s.Reading, nil }
