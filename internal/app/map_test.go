package app

import (
	"context"
	"testing"
	"time"

	"mineflow/internal/config"
	"mineflow/internal/pool"
)

func TestMapTuning(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Tuning: &config.TuningConfig{
			GrowCPUBelow:   40,
			ShrinkCPUAbove: 90,
			SampleEvery:    "10s",
			QueueRatios:    map[string]float64{"fetch": 0.6, "extract": 0.4},
		},
		Pools: map[string]config.PoolConfig{
			"score": {Min: 2, Max: 6, Initial: 3, Cooldown: "45s"},
		},
	}

	tn, err := mapTuning(cfg)
	if err != nil {
		t.Fatalf("mapTuning: %v", err)
	}
	if tn.GrowCPUBelow != 40 || tn.ShrinkCPUAbove != 90 {
		t.Fatalf("bands: %+v", tn)
	}
	if tn.SampleEvery != 10*time.Second {
		t.Fatalf("sample_every = %v", tn.SampleEvery)
	}
	if tn.QueueRatios[pool.CategoryFetch] != 0.6 {
		t.Fatalf("ratios: %+v", tn.QueueRatios)
	}
	p := tn.Pools[pool.CategoryScore]
	if p.Min != 2 || p.Max != 6 || p.Cooldown != 45*time.Second {
		t.Fatalf("pool options: %+v", p)
	}
}

func TestMapTuningRejectsUnknownCategory(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Pools: map[string]config.PoolConfig{"transcode": {Max: 2}}}
	if _, err := mapTuning(cfg); err == nil {
		t.Fatal("unknown category should be rejected")
	}
}

func TestMapStorageDefaultsToEphemeral(t *testing.T) {
	t.Parallel()
	sc, err := mapStorage(nil)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Driver != "sqlite" || sc.Path != ":memory:" {
		t.Fatalf("default storage: %+v", sc)
	}

	sc, err = mapStorage(&config.StorageConfig{Driver: "sqlite", Path: "./x.db", BusyTimeout: "3s"})
	if err != nil {
		t.Fatal(err)
	}
	if sc.BusyTimeout != 3*time.Second {
		t.Fatalf("busy timeout: %v", sc.BusyTimeout)
	}
}

func TestResolveProfilePinned(t *testing.T) {
	t.Parallel()
	p, err := resolveProfile(context.Background(), &config.HardwareConfig{
		Cores: 12, MemoryGB: 32, ChipClass: "pro",
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Cores != 12 || p.MemoryGB != 32 || p.ChipClass != "pro" {
		t.Fatalf("profile: %+v", p)
	}

	// Chip class defaults when only cores/memory are pinned.
	p, err = resolveProfile(context.Background(), &config.HardwareConfig{Cores: 4, MemoryGB: 8})
	if err != nil {
		t.Fatal(err)
	}
	if p.ChipClass != "base" {
		t.Fatalf("chip class = %q, want base", p.ChipClass)
	}
}

func TestMapRetention(t *testing.T) {
	t.Parallel()
	rc, err := mapRetention(nil)
	if err != nil || rc.Enabled {
		t.Fatalf("nil section should disable retention: %+v, %v", rc, err)
	}
	rc, err = mapRetention(&config.RetentionConfig{Enabled: true, Schedule: "0 4 * * *", MaxAge: "720h"})
	if err != nil {
		t.Fatal(err)
	}
	if !rc.Enabled || rc.MaxAge != 720*time.Hour || rc.Schedule != "0 4 * * *" {
		t.Fatalf("retention: %+v", rc)
	}
}
