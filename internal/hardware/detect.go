package hardware

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Detect builds a Profile from the running machine. ChipClass cannot be
// detected portably and defaults to "base"; operators with beefier parts
// pin it in the config.
func Detect(ctx context.Context) (Profile, error) {
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return Profile{}, fmt.Errorf("detect cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Profile{}, fmt.Errorf("detect memory: %w", err)
	}
	return Profile{
		Cores:     cores,
		MemoryGB:  float64(vm.Total) / (1 << 30),
		ChipClass: "base",
	}, nil
}
