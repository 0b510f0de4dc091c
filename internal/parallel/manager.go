package parallel

import (
	"context"
	"sync"
	"time"

	"mineflow/internal/eventbus"
	"mineflow/internal/hardware"
	"mineflow/internal/pool"
	logx "mineflow/pkg/logx"
)

// Manager owns the resource limits and all worker pools. It is the single
// source of truth for worker counts: the execution engine and orchestrators
// read budgets through GetOptimalWorkers and never mutate pool state.
type Manager struct {
	limits hardware.Limits
	tuning Tuning
	probe  Probe
	log    logx.Logger
	bus    eventbus.Bus

	pools map[pool.Category]*pool.Pool

	sampleMu   sync.Mutex
	lastSample Sample
	hasSample  bool

	samplerMu sync.Mutex
	sampler   *samplerState
}

// ResizeEvent is published on the bus whenever a pool's worker count moves.
type ResizeEvent struct {
	Category pool.Category `json:"category"`
	From     int           `json:"from"`
	To       int           `json:"to"`
	QueueLen int           `json:"queue_len"`
	CPU      float64       `json:"cpu_percent"`
	Memory   float64       `json:"memory_percent"`
}

// Status is the read-only telemetry snapshot exposed to dashboards.
type Status struct {
	CPUPercent        float64               `json:"cpu_percent"`
	MemoryPercent     float64               `json:"memory_percent"`
	MemoryAvailableGB float64               `json:"memory_available_gb"`
	PerCategory       map[string]pool.Stats `json:"per_category"`
}

// New constructs a Manager for the given hardware profile.
//
// Construction fails fast on invariant violations (bad profile, min>max pool
// bounds) rather than silently clamping.
func New(profile hardware.Profile, hw hardware.Tuning, tuning Tuning, probe Probe, log logx.Logger, bus eventbus.Bus) (*Manager, error) {
	limits, err := hardware.Calc(profile, hw)
	if err != nil {
		return nil, err
	}
	tuning = tuning.withDefaults()
	if err := tuning.validate(); err != nil {
		return nil, err
	}
	if probe == nil {
		probe = SystemProbe{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	m := &Manager{
		limits: limits,
		tuning: tuning,
		probe:  probe,
		log:    log,
		bus:    bus,
		pools:  make(map[pool.Category]*pool.Pool, len(pool.Categories())),
	}

	for _, cat := range pool.Categories() {
		opts, ok := tuning.Pools[cat]
		if !ok {
			opts = defaultPoolOptions(cat, limits)
		} else {
			def := defaultPoolOptions(cat, limits)
			if opts.Max <= 0 {
				opts.Max = def.Max
			}
			if opts.ThreadsPerWorker <= 0 {
				opts.ThreadsPerWorker = def.ThreadsPerWorker
			}
			opts.ContextTier = def.ContextTier
			opts.CacheCostGB = def.CacheCostGB
		}
		p, err := pool.New(cat, opts)
		if err != nil {
			return nil, err
		}
		m.pools[cat] = p
	}

	log.Info("parallelization manager ready",
		logx.Int("cores", limits.MaxCores),
		logx.Int("reserved_cores", limits.ReservedCores),
		logx.Int("thread_ceiling", limits.TotalThreadCeiling),
		logx.Int("worker_thread_ceiling", limits.WorkerThreadCeiling),
		logx.Float64("model_mem_gb", limits.ModelMemoryGB),
	)
	return m, nil
}

// Limits returns the immutable machine capacity ceilings.
func (m *Manager) Limits() hardware.Limits { return m.limits }

// CurrentWorkers returns a category's current worker count without
// recomputing the budget or touching telemetry.
func (m *Manager) CurrentWorkers(cat pool.Category) int {
	if p := m.poolFor(cat); p != nil {
		return p.Current()
	}
	return 0
}

func (m *Manager) poolFor(cat pool.Category) *pool.Pool {
	return m.pools[cat]
}

// GetOptimalWorkers returns the worker budget for a category given the
// current queue depth.
//
// Within a pool's cooldown window it returns the current count unchanged.
// Once the cooldown has elapsed it samples CPU/memory and grows toward max
// under slack + backlog, shrinks toward min under pressure, and holds
// otherwise. The result is always clamped to [min, max]; telemetry failures
// fall back to the current count and never surface to the caller.
func (m *Manager) GetOptimalWorkers(cat pool.Category, queueLen int) int {
	p := m.poolFor(cat)
	if p == nil {
		return 1
	}
	cur := p.Current()

	now := time.Now()
	if !p.CooldownElapsed(now) {
		return cur
	}

	s, ok := m.sample()
	if !ok {
		// Telemetry unavailable: hold the last known budget.
		return cur
	}

	target := cur
	switch {
	case s.CPUPercent < m.tuning.GrowCPUBelow && s.MemoryPercent < m.tuning.GrowMemBelow:
		if queueLen > 2*cur {
			target = cur + 2
		} else if queueLen > cur {
			target = cur + 1
		}
	case s.CPUPercent > m.tuning.ShrinkCPUAbove || s.MemoryPercent > m.tuning.ShrinkMemAbove:
		target = cur - 1
	}

	if target == cur {
		return cur
	}

	old, eff := p.SetCurrent(target, now)
	if eff != old {
		m.log.Info("pool resized",
			logx.String("category", cat.String()),
			logx.Int("from", old),
			logx.Int("to", eff),
			logx.Int("queue_len", queueLen),
			logx.Float64("cpu", s.CPUPercent),
			logx.Float64("mem", s.MemoryPercent),
		)
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.TypePoolResized, Data: ResizeEvent{
				Category: cat, From: old, To: eff, QueueLen: queueLen,
				CPU: s.CPUPercent, Memory: s.MemoryPercent,
			}})
		}
	}
	return eff
}

// StartJob begins tracking one unit of work in the given category.
func (m *Manager) StartJob(cat pool.Category) *pool.Metric {
	metric := pool.NewMetric(cat)
	if p := m.poolFor(cat); p != nil {
		p.JobStarted()
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStarted, Data: metric.ID})
	}
	return metric
}

// CompleteJob finishes a metric and folds it into the pool's rolling stats.
func (m *Manager) CompleteJob(metric *pool.Metric, success bool, err error) {
	if metric == nil {
		return
	}
	now := time.Now()
	metric.End = now
	metric.Success = success
	if err != nil {
		metric.Err = err.Error()
	}
	if p := m.poolFor(metric.Category); p != nil {
		p.JobFinished(metric.Duration(), success, now)
	}
	if m.bus != nil {
		typ := eventbus.TypeJobFinished
		if !success {
			typ = eventbus.TypeJobFailed
		}
		m.bus.Publish(eventbus.Event{Type: typ, Data: *metric})
	}
}

// NoteValidationFailure records a downstream validation reject for a category.
func (m *Manager) NoteValidationFailure(cat pool.Category) {
	if p := m.poolFor(cat); p != nil {
		p.NoteValidationFailure()
	}
}

// GetResourceStatus returns a read-only snapshot for dashboards/logging.
func (m *Manager) GetResourceStatus() Status {
	st := Status{PerCategory: make(map[string]pool.Stats, len(m.pools))}
	if s, ok := m.sample(); ok {
		st.CPUPercent = s.CPUPercent
		st.MemoryPercent = s.MemoryPercent
		st.MemoryAvailableGB = s.MemoryAvailableGB
	}
	now := time.Now()
	for cat, p := range m.pools {
		st.PerCategory[cat.String()] = p.Snapshot(now)
	}
	return st
}

// sample reads telemetry with a short deadline, falling back to the last
// good reading. The boolean is false only when no reading has ever worked.
func (m *Manager) sample() (Sample, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), m.tuning.SampleTimeout)
	defer cancel()

	s, err := m.probe.Sample(ctx)
	if err != nil {
		m.log.Debug("telemetry sample failed", logx.Err(err))
		m.sampleMu.Lock()
		defer m.sampleMu.Unlock()
		return m.lastSample, m.hasSample
	}

	m.sampleMu.Lock()
	m.lastSample = s
	m.hasSample = true
	m.sampleMu.Unlock()
	return s, true
}
