package hardware

import (
	"fmt"
	"strings"

	"mineflow/internal/pool"
)

// Profile describes the machine the scheduler runs on.
// It is supplied once at manager construction and never re-detected.
type Profile struct {
	Cores     int
	MemoryGB  float64
	ChipClass string
}

// Limits are the machine-derived capacity ceilings. They are computed once
// from a Profile and are immutable afterwards.
type Limits struct {
	MaxMemoryGB   float64
	MaxCores      int
	ReservedCores int

	// ModelMemoryGB is the estimated resident footprint of the scoring model.
	ModelMemoryGB float64

	// CacheCostGB estimates per-worker cache cost by context length tier.
	CacheCostGB map[pool.ContextTier]float64

	// TotalThreadCeiling caps inference threads across all workers;
	// WorkerThreadCeiling caps threads for a single worker.
	TotalThreadCeiling  int
	WorkerThreadCeiling int

	// MaxContextByCategory caps the context tier each category may use.
	MaxContextByCategory map[pool.Category]pool.ContextTier
}

// MemoryTier selects model memory, OS reservation and the memory multiplier
// for machines up to MaxGB of RAM. Tiers are matched in order.
type MemoryTier struct {
	MaxGB         float64
	ModelMemoryGB float64
	ReservedCores int
	Multiplier    float64
	CacheBaseGB   float64
}

// ArchTier selects the thread multiplier and per-worker thread ceiling for
// a chip class.
type ArchTier struct {
	ThreadMultiplier    float64
	WorkerThreadCeiling int
}

// Tuning carries the tier tables. The values are empirically chosen
// defaults, not correctness constraints; deployments may override them via
// configuration.
type Tuning struct {
	MemoryTiers []MemoryTier
	ArchTiers   map[string]ArchTier
	DefaultArch ArchTier

	MaxContextByCategory map[pool.Category]pool.ContextTier
}

// DefaultTuning returns the stock tier tables.
func DefaultTuning() Tuning {
	return Tuning{
		MemoryTiers: []MemoryTier{
			{MaxGB: 16, ModelMemoryGB: 4, ReservedCores: 2, Multiplier: 0.8, CacheBaseGB: 0.25},
			{MaxGB: 32, ModelMemoryGB: 6, ReservedCores: 2, Multiplier: 1.0, CacheBaseGB: 0.5},
			{MaxGB: 64, ModelMemoryGB: 8, ReservedCores: 2, Multiplier: 1.25, CacheBaseGB: 0.75},
			{MaxGB: 0, ModelMemoryGB: 12, ReservedCores: 3, Multiplier: 1.5, CacheBaseGB: 1.0}, // MaxGB 0 = unbounded
		},
		ArchTiers: map[string]ArchTier{
			"base":  {ThreadMultiplier: 1.0, WorkerThreadCeiling: 4},
			"pro":   {ThreadMultiplier: 1.25, WorkerThreadCeiling: 5},
			"max":   {ThreadMultiplier: 1.5, WorkerThreadCeiling: 6},
			"ultra": {ThreadMultiplier: 2.0, WorkerThreadCeiling: 7},
		},
		DefaultArch: ArchTier{ThreadMultiplier: 1.0, WorkerThreadCeiling: 4},
		MaxContextByCategory: map[pool.Category]pool.ContextTier{
			pool.CategoryFetch:       pool.ContextShort,
			pool.CategoryExtract:     pool.ContextMedium,
			pool.CategoryScore:       pool.ContextLong,
			pool.CategoryTranscribe:  pool.ContextMedium,
			pool.CategoryFingerprint: pool.ContextShort,
		},
	}
}

// Calc derives Limits from a Profile. It is a pure function: deterministic
// for the same inputs and free of side effects.
func Calc(p Profile, t Tuning) (Limits, error) {
	if p.Cores <= 0 {
		return Limits{}, fmt.Errorf("hardware: core count must be positive, got %d", p.Cores)
	}
	if p.MemoryGB <= 0 {
		return Limits{}, fmt.Errorf("hardware: memory size must be positive, got %.1f GB", p.MemoryGB)
	}
	if len(t.MemoryTiers) == 0 {
		return Limits{}, fmt.Errorf("hardware: tuning has no memory tiers")
	}

	mt := t.MemoryTiers[len(t.MemoryTiers)-1]
	for _, tier := range t.MemoryTiers {
		if tier.MaxGB > 0 && p.MemoryGB < tier.MaxGB {
			mt = tier
			break
		}
	}

	arch, ok := t.ArchTiers[strings.ToLower(strings.TrimSpace(p.ChipClass))]
	if !ok {
		arch = t.DefaultArch
	}

	reserved := mt.ReservedCores
	if reserved >= p.Cores {
		reserved = p.Cores - 1
	}
	if reserved < 0 {
		reserved = 0
	}
	avail := p.Cores - reserved

	total := int(float64(avail) * arch.ThreadMultiplier * mt.Multiplier)
	lo := avail
	if lo < 4 {
		lo = 4
	}
	hi := avail * 3
	if total < lo {
		total = lo
	}
	if total > hi {
		total = hi
	}

	perWorker := arch.WorkerThreadCeiling
	if perWorker < 2 {
		perWorker = 2
	}
	if perWorker > 7 {
		perWorker = 7
	}
	if perWorker > total {
		perWorker = total
	}

	maxCtx := make(map[pool.Category]pool.ContextTier, len(t.MaxContextByCategory))
	for c, tier := range t.MaxContextByCategory {
		maxCtx[c] = tier
	}

	return Limits{
		MaxMemoryGB:   p.MemoryGB,
		MaxCores:      p.Cores,
		ReservedCores: reserved,
		ModelMemoryGB: mt.ModelMemoryGB,
		CacheCostGB: map[pool.ContextTier]float64{
			pool.ContextShort:  mt.CacheBaseGB,
			pool.ContextMedium: mt.CacheBaseGB * 2,
			pool.ContextLong:   mt.CacheBaseGB * 4,
		},
		TotalThreadCeiling:   total,
		WorkerThreadCeiling:  perWorker,
		MaxContextByCategory: maxCtx,
	}, nil
}
