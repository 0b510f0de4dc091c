package parallel

import (
	"mineflow/internal/pool"
)

// GetOptimalQueueDistribution splits a total queue capacity across the
// categories using the tuned target ratios, additionally capping each
// category by its worker budget times the queue-depth multiplier.
//
// Under resource pressure every allocation is scaled down; under slack it is
// scaled up. Allocations never drop below 1 for a category whose ratio is
// nonzero (as long as total permits).
func (m *Manager) GetOptimalQueueDistribution(totalQueueSize int) map[pool.Category]int {
	out := make(map[pool.Category]int, len(m.tuning.QueueRatios))
	if totalQueueSize <= 0 {
		return out
	}

	scale := 1.0
	if s, ok := m.sample(); ok {
		switch {
		case s.CPUPercent > m.tuning.PressureCPUAbove || s.MemoryPercent > m.tuning.PressureMemAbove:
			scale = m.tuning.PressureScale
		case s.CPUPercent < m.tuning.SlackCPUBelow && s.MemoryPercent < m.tuning.SlackMemBelow:
			scale = m.tuning.SlackScale
		}
	}

	for cat, ratio := range m.tuning.QueueRatios {
		if ratio <= 0 {
			continue
		}
		alloc := int(float64(totalQueueSize) * ratio)

		if p := m.poolFor(cat); p != nil {
			limit := int(float64(p.Current()) * m.tuning.QueueDepthMultiplier)
			if limit > 0 && alloc > limit {
				alloc = limit
			}
		}

		alloc = int(float64(alloc) * scale)
		if alloc < 1 {
			alloc = 1
		}
		if alloc > totalQueueSize {
			alloc = totalQueueSize
		}
		out[cat] = alloc
	}
	return out
}
