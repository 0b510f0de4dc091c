package parallel

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sample is one point-in-time CPU/memory reading.
type Sample struct {
	CPUPercent        float64
	MemoryPercent     float64
	MemoryAvailableGB float64
}

// Probe reads live resource telemetry. Implementations must be safe for
// concurrent use; tests substitute a deterministic fake.
type Probe interface {
	Sample(ctx context.Context) (Sample, error)
}

// SystemProbe reads host telemetry via gopsutil.
type SystemProbe struct{}

func (SystemProbe) Sample(ctx context.Context) (Sample, error) {
	// Interval 0 = percentage since the previous call; cheap and non-blocking.
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}

	s := Sample{
		MemoryPercent:     vm.UsedPercent,
		MemoryAvailableGB: float64(vm.Available) / (1 << 30),
	}
	if len(pcts) > 0 {
		s.CPUPercent = pcts[0]
	}
	return s, nil
}
