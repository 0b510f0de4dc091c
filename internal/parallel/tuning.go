package parallel

import (
	"fmt"
	"time"

	"mineflow/internal/hardware"
	"mineflow/internal/pool"
)

// Tuning collects the empirically chosen control constants for the manager.
//
// None of these are load-bearing correctness constraints; they are defaults
// that deployments may override via configuration.
type Tuning struct {
	// Scaling bands (CPU/memory percent).
	GrowCPUBelow   float64
	GrowMemBelow   float64
	ShrinkCPUAbove float64
	ShrinkMemAbove float64

	// Queue distribution.
	QueueRatios          map[pool.Category]float64
	QueueDepthMultiplier float64
	PressureScale        float64
	SlackScale           float64
	PressureCPUAbove     float64
	PressureMemAbove     float64
	SlackCPUBelow        float64
	SlackMemBelow        float64

	// Sampler.
	SampleEvery      time.Duration
	PressureTicks    int // consecutive pressured samples before flagging
	SampleTimeout    time.Duration
	PressureWarnRate float64 // warnings per second, rate-limited

	// Per-category pool bounds. Missing categories get defaults derived
	// from the hardware limits.
	Pools map[pool.Category]pool.Options
}

// DefaultTuning returns the stock control constants.
func DefaultTuning() Tuning {
	return Tuning{
		GrowCPUBelow:   50,
		GrowMemBelow:   70,
		ShrinkCPUAbove: 80,
		ShrinkMemAbove: 85,

		QueueRatios: map[pool.Category]float64{
			pool.CategoryFetch:       0.40,
			pool.CategoryExtract:     0.35,
			pool.CategoryScore:       0.15,
			pool.CategoryTranscribe:  0.05,
			pool.CategoryFingerprint: 0.05,
		},
		QueueDepthMultiplier: 3,
		PressureScale:        0.7,
		SlackScale:           1.2,
		PressureCPUAbove:     85,
		PressureMemAbove:     80,
		SlackCPUBelow:        70,
		SlackMemBelow:        60,

		SampleEvery:      5 * time.Second,
		PressureTicks:    3,
		SampleTimeout:    500 * time.Millisecond,
		PressureWarnRate: 0.2,

		Pools: map[pool.Category]pool.Options{},
	}
}

func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	if t.GrowCPUBelow <= 0 {
		t.GrowCPUBelow = d.GrowCPUBelow
	}
	if t.GrowMemBelow <= 0 {
		t.GrowMemBelow = d.GrowMemBelow
	}
	if t.ShrinkCPUAbove <= 0 {
		t.ShrinkCPUAbove = d.ShrinkCPUAbove
	}
	if t.ShrinkMemAbove <= 0 {
		t.ShrinkMemAbove = d.ShrinkMemAbove
	}
	if len(t.QueueRatios) == 0 {
		t.QueueRatios = d.QueueRatios
	}
	if t.QueueDepthMultiplier <= 0 {
		t.QueueDepthMultiplier = d.QueueDepthMultiplier
	}
	if t.PressureScale <= 0 {
		t.PressureScale = d.PressureScale
	}
	if t.SlackScale <= 0 {
		t.SlackScale = d.SlackScale
	}
	if t.PressureCPUAbove <= 0 {
		t.PressureCPUAbove = d.PressureCPUAbove
	}
	if t.PressureMemAbove <= 0 {
		t.PressureMemAbove = d.PressureMemAbove
	}
	if t.SlackCPUBelow <= 0 {
		t.SlackCPUBelow = d.SlackCPUBelow
	}
	if t.SlackMemBelow <= 0 {
		t.SlackMemBelow = d.SlackMemBelow
	}
	if t.SampleEvery <= 0 {
		t.SampleEvery = d.SampleEvery
	}
	if t.PressureTicks <= 0 {
		t.PressureTicks = d.PressureTicks
	}
	if t.SampleTimeout <= 0 {
		t.SampleTimeout = d.SampleTimeout
	}
	if t.PressureWarnRate <= 0 {
		t.PressureWarnRate = d.PressureWarnRate
	}
	if t.Pools == nil {
		t.Pools = map[pool.Category]pool.Options{}
	}
	return t
}

func (t Tuning) validate() error {
	if t.GrowCPUBelow >= t.ShrinkCPUAbove {
		return fmt.Errorf("tuning: grow CPU band (%.0f) must be below shrink band (%.0f)", t.GrowCPUBelow, t.ShrinkCPUAbove)
	}
	if t.GrowMemBelow >= t.ShrinkMemAbove {
		return fmt.Errorf("tuning: grow memory band (%.0f) must be below shrink band (%.0f)", t.GrowMemBelow, t.ShrinkMemAbove)
	}
	for cat, o := range t.Pools {
		if o.Min > 0 && o.Max > 0 && o.Min > o.Max {
			return fmt.Errorf("tuning: pool %s min (%d) > max (%d)", cat, o.Min, o.Max)
		}
	}
	return nil
}

// defaultPoolOptions derives bounds for a category that has no explicit
// configuration. I/O-bound fetch gets a wider budget than the
// accelerator-bound stages, which are capped by the thread ceiling.
func defaultPoolOptions(cat pool.Category, lim hardware.Limits) pool.Options {
	threads := lim.WorkerThreadCeiling
	budget := lim.TotalThreadCeiling / threads
	if budget < 1 {
		budget = 1
	}

	o := pool.Options{
		Min:              1,
		ThreadsPerWorker: threads,
		ContextTier:      lim.MaxContextByCategory[cat],
		CacheCostGB:      lim.CacheCostGB[lim.MaxContextByCategory[cat]],
	}
	switch cat {
	case pool.CategoryFetch:
		// Network-bound: workers mostly wait, allow more of them.
		o.Max = budget * 2
		o.Initial = 2
		o.ThreadsPerWorker = 1
	case pool.CategoryExtract:
		o.Max = budget
		o.Initial = 1
	case pool.CategoryScore:
		o.Max = budget
		o.Initial = 1
	case pool.CategoryTranscribe:
		o.Max = maxInt(1, budget/2)
		o.Initial = 1
	case pool.CategoryFingerprint:
		o.Max = maxInt(1, budget/2)
		o.Initial = 1
	default:
		o.Max = budget
		o.Initial = 1
	}
	if o.Max < o.Min {
		o.Max = o.Min
	}
	return o
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
