package parallel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mineflow/internal/hardware"
	"mineflow/internal/pool"
	logx "mineflow/pkg/logx"
)

// fakeProbe returns scripted samples; safe for concurrent use.
type fakeProbe struct {
	mu  sync.Mutex
	s   Sample
	err error
}

func (f *fakeProbe) set(cpu, mem float64) {
	f.mu.Lock()
	f.s = Sample{CPUPercent: cpu, MemoryPercent: mem, MemoryAvailableGB: 8}
	f.err = nil
	f.mu.Unlock()
}

func (f *fakeProbe) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeProbe) Sample(ctx context.Context) (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s, f.err
}

func testProfile() hardware.Profile {
	return hardware.Profile{Cores: 8, MemoryGB: 16, ChipClass: "base"}
}

func newTestManager(t *testing.T, probe Probe, mutate func(*Tuning)) *Manager {
	t.Helper()
	tuning := DefaultTuning()
	tuning.Pools = map[pool.Category]pool.Options{
		pool.CategoryFetch:   {Min: 1, Max: 8, Initial: 2, Cooldown: 50 * time.Millisecond},
		pool.CategoryExtract: {Min: 1, Max: 4, Initial: 1, Cooldown: 50 * time.Millisecond},
		pool.CategoryScore:   {Min: 1, Max: 4, Initial: 1, Cooldown: 50 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&tuning)
	}
	m, err := New(testProfile(), hardware.DefaultTuning(), tuning, probe, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestGetOptimalWorkersGrowsUnderSlack(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{}
	probe.set(20, 30)
	m := newTestManager(t, probe, nil)

	// Queue far deeper than current workers (2): grow by 2.
	got := m.GetOptimalWorkers(pool.CategoryFetch, 20)
	if got != 4 {
		t.Fatalf("GetOptimalWorkers = %d, want 4", got)
	}
}

func TestGetOptimalWorkersShrinksUnderPressure(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{}
	probe.set(95, 50)
	m := newTestManager(t, probe, nil)

	got := m.GetOptimalWorkers(pool.CategoryFetch, 20)
	if got != 1 {
		t.Fatalf("GetOptimalWorkers = %d, want 1 (shrink by 1 from 2)", got)
	}
}

func TestGetOptimalWorkersHoldsInMidBand(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{}
	probe.set(65, 75)
	m := newTestManager(t, probe, nil)

	got := m.GetOptimalWorkers(pool.CategoryFetch, 100)
	if got != 2 {
		t.Fatalf("GetOptimalWorkers = %d, want 2 (hold)", got)
	}
}

func TestWorkerBoundInvariant(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{}
	m := newTestManager(t, probe, nil)

	scenarios := []struct {
		cpu, mem float64
		queue    int
	}{
		{10, 10, 1000}, {10, 10, 1000}, {95, 95, 0}, {95, 95, 0},
		{10, 10, 0}, {99, 99, 1000}, {10, 10, 500}, {90, 10, 0},
	}
	for _, sc := range scenarios {
		probe.set(sc.cpu, sc.mem)
		got := m.GetOptimalWorkers(pool.CategoryExtract, sc.queue)
		if got < 1 || got > 4 {
			t.Fatalf("worker count %d escaped bounds [1,4]", got)
		}
		cur := m.CurrentWorkers(pool.CategoryExtract)
		if cur < 1 || cur > 4 {
			t.Fatalf("pool current %d escaped bounds [1,4]", cur)
		}
		time.Sleep(60 * time.Millisecond) // let the cooldown lapse between scenarios
	}
}

func TestCooldownInvariant(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{}
	probe.set(20, 30)
	m := newTestManager(t, probe, func(tn *Tuning) {
		tn.Pools[pool.CategoryFetch] = pool.Options{Min: 1, Max: 8, Initial: 2, Cooldown: time.Hour}
	})

	first := m.GetOptimalWorkers(pool.CategoryFetch, 20)
	if first != 4 {
		t.Fatalf("first call = %d, want 4", first)
	}

	// Telemetry flips to heavy pressure, but the cooldown window is open.
	probe.set(99, 99)
	second := m.GetOptimalWorkers(pool.CategoryFetch, 0)
	if second != first {
		t.Fatalf("second call inside cooldown = %d, want %d", second, first)
	}
}

func TestTelemetryFailureFallsBack(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{}
	probe.fail(errors.New("sensor offline"))
	m := newTestManager(t, probe, nil)

	got := m.GetOptimalWorkers(pool.CategoryFetch, 50)
	if got != 2 {
		t.Fatalf("GetOptimalWorkers with dead telemetry = %d, want current (2)", got)
	}
}

func TestNewRejectsBadBounds(t *testing.T) {
	t.Parallel()
	tuning := DefaultTuning()
	tuning.Pools = map[pool.Category]pool.Options{
		pool.CategoryFetch: {Min: 5, Max: 2},
	}
	_, err := New(testProfile(), hardware.DefaultTuning(), tuning, &fakeProbe{}, logx.Nop(), nil)
	if err == nil {
		t.Fatal("expected construction error for min > max")
	}
}

func TestQueueDistributionRespectsRatiosAndCaps(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{}
	probe.set(65, 65) // neutral band: no scaling
	m := newTestManager(t, probe, nil)

	dist := m.GetOptimalQueueDistribution(100)

	// fetch: ratio 0.40 → 40, capped at workers(2) × 3 = 6.
	if got := dist[pool.CategoryFetch]; got != 6 {
		t.Errorf("fetch allocation = %d, want 6 (worker cap)", got)
	}
	for cat, n := range dist {
		if n < 1 {
			t.Errorf("category %s allocated %d, want >= 1", cat, n)
		}
		if n > 100 {
			t.Errorf("category %s allocated %d, exceeds total", cat, n)
		}
	}
}

func TestQueueDistributionScalesUnderPressure(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{}
	m := newTestManager(t, probe, nil)

	probe.set(65, 65)
	neutral := m.GetOptimalQueueDistribution(100)
	probe.set(95, 95)
	pressured := m.GetOptimalQueueDistribution(100)

	if pressured[pool.CategoryFetch] >= neutral[pool.CategoryFetch] {
		t.Fatalf("pressure should shrink allocations: neutral=%d pressured=%d",
			neutral[pool.CategoryFetch], pressured[pool.CategoryFetch])
	}
}

func TestJobMetricsFeedPoolStats(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, &fakeProbe{}, nil)

	metric := m.StartJob(pool.CategoryScore)
	if metric.ID == "" || metric.Category != pool.CategoryScore {
		t.Fatalf("unexpected metric: %+v", metric)
	}
	m.CompleteJob(metric, true, nil)

	failed := m.StartJob(pool.CategoryScore)
	m.CompleteJob(failed, false, errors.New("boom"))
	if failed.Err == "" {
		t.Fatal("failed metric should carry error text")
	}

	st := m.GetResourceStatus().PerCategory[pool.CategoryScore.String()]
	if st.Completed != 1 || st.Failed != 1 {
		t.Fatalf("stats = completed %d failed %d, want 1/1", st.Completed, st.Failed)
	}
	if st.Active != 0 {
		t.Fatalf("active = %d, want 0", st.Active)
	}
}

func TestSamplerStartStop(t *testing.T) {
	t.Parallel()
	probe := &fakeProbe{}
	probe.set(10, 10)
	m := newTestManager(t, probe, func(tn *Tuning) {
		tn.SampleEvery = 10 * time.Millisecond
	})

	m.StartSampler(context.Background())
	time.Sleep(50 * time.Millisecond)
	m.StopSampler()

	st := m.GetResourceStatus()
	if st.CPUPercent != 10 {
		t.Fatalf("status CPU = %.0f, want last sampled 10", st.CPUPercent)
	}
	// Stop twice is harmless.
	m.StopSampler()
}
