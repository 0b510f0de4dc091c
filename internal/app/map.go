package app

import (
	"context"
	"fmt"

	"mineflow/internal/batch"
	"mineflow/internal/config"
	"mineflow/internal/hardware"
	"mineflow/internal/parallel"
	"mineflow/internal/pool"
	"mineflow/internal/storage"
	logx "mineflow/pkg/logx"
)

func mapLogging(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}

// resolveProfile uses the configured hardware profile, autodetecting any
// field left at zero.
func resolveProfile(ctx context.Context, hc *config.HardwareConfig) (hardware.Profile, error) {
	var pinned config.HardwareConfig
	if hc != nil {
		pinned = *hc
	}
	p := hardware.Profile{
		Cores:     pinned.Cores,
		MemoryGB:  pinned.MemoryGB,
		ChipClass: pinned.ChipClass,
	}
	if p.Cores > 0 && p.MemoryGB > 0 {
		if p.ChipClass == "" {
			p.ChipClass = "base"
		}
		return p, nil
	}

	det, err := hardware.Detect(ctx)
	if err != nil {
		return hardware.Profile{}, err
	}
	if p.Cores <= 0 {
		p.Cores = det.Cores
	}
	if p.MemoryGB <= 0 {
		p.MemoryGB = det.MemoryGB
	}
	if p.ChipClass == "" {
		p.ChipClass = det.ChipClass
	}
	return p, nil
}

func mapTuning(cfg *config.Config) (parallel.Tuning, error) {
	var t parallel.Tuning

	if tc := cfg.Tuning; tc != nil {
		t.GrowCPUBelow = tc.GrowCPUBelow
		t.GrowMemBelow = tc.GrowMemBelow
		t.ShrinkCPUAbove = tc.ShrinkCPUAbove
		t.ShrinkMemAbove = tc.ShrinkMemAbove
		t.QueueDepthMultiplier = tc.QueueDepthMultiplier
		t.PressureTicks = tc.PressureTicks

		d, err := config.ParseDurationField("tuning.sample_every", tc.SampleEvery)
		if err != nil {
			return parallel.Tuning{}, err
		}
		t.SampleEvery = d

		if len(tc.QueueRatios) > 0 {
			t.QueueRatios = make(map[pool.Category]float64, len(tc.QueueRatios))
			for name, ratio := range tc.QueueRatios {
				cat, err := pool.ParseCategory(name)
				if err != nil {
					return parallel.Tuning{}, fmt.Errorf("tuning.queue_ratios: %w", err)
				}
				t.QueueRatios[cat] = ratio
			}
		}
	}

	if len(cfg.Pools) > 0 {
		t.Pools = make(map[pool.Category]pool.Options, len(cfg.Pools))
		for name, pc := range cfg.Pools {
			cat, err := pool.ParseCategory(name)
			if err != nil {
				return parallel.Tuning{}, fmt.Errorf("pools: %w", err)
			}
			cooldown, err := config.ParseDurationField("pools."+name+".cooldown", pc.Cooldown)
			if err != nil {
				return parallel.Tuning{}, err
			}
			t.Pools[cat] = pool.Options{
				Min:              pc.Min,
				Max:              pc.Max,
				Initial:          pc.Initial,
				ThreadsPerWorker: pc.ThreadsPerWorker,
				Cooldown:         cooldown,
			}
		}
	}
	return t, nil
}

func mapStorage(sc *config.StorageConfig) (storage.Config, error) {
	if sc == nil {
		// No persistence section: keep the batch API working on an
		// ephemeral database.
		return storage.Config{Driver: "sqlite", Path: ":memory:"}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		BusyTimeout: busy,
	}, nil
}

func mapRetention(rc *config.RetentionConfig) (batch.RetentionConfig, error) {
	if rc == nil {
		return batch.RetentionConfig{}, nil
	}
	maxAge, err := config.ParseDurationField("retention.max_age", rc.MaxAge)
	if err != nil {
		return batch.RetentionConfig{}, err
	}
	return batch.RetentionConfig{
		Enabled:  rc.Enabled,
		Schedule: rc.Schedule,
		MaxAge:   maxAge,
	}, nil
}
