package pool

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Options configure one worker pool.
//
// Zero values fall back to conservative defaults; Min/Max violations are
// rejected (fail fast, never silently clamp a misconfiguration).
type Options struct {
	Min     int
	Max     int
	Initial int

	ThreadsPerWorker int
	ContextTier      ContextTier
	CacheCostGB      float64

	// Cooldown gates how often the current worker count may change.
	Cooldown time.Duration

	// HistorySize bounds the rolling duration window (successes only).
	HistorySize int
}

func (o Options) withDefaults() Options {
	if o.Min <= 0 {
		o.Min = 1
	}
	if o.Max <= 0 {
		o.Max = o.Min
	}
	if o.Initial <= 0 {
		o.Initial = o.Min
	}
	if o.ThreadsPerWorker <= 0 {
		o.ThreadsPerWorker = 2
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Second
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 50
	}
	return o
}

// Pool tracks worker budget and rolling performance for one category.
//
// The dynamic parallelization manager is the only writer of the current
// worker count; completions feed the rolling statistics from worker
// goroutines, so the pool synchronizes internally.
type Pool struct {
	Category Category

	mu sync.Mutex

	min     int
	max     int
	current int

	threadsPerWorker int
	contextTier      ContextTier
	cacheCostGB      float64

	cooldown   time.Duration
	lastAdjust time.Time

	active             int
	completed          uint64
	failed             uint64
	validationFailures uint64

	// Rolling window of recent successful runs, bounded to historySize.
	durations   []time.Duration
	finishedAt  []time.Time
	historySize int
	avg         time.Duration
}

// Stats is a point-in-time view of a pool for diagnostics and sizing.
type Stats struct {
	Category           Category      `json:"category"`
	Min                int           `json:"min"`
	Max                int           `json:"max"`
	Current            int           `json:"current"`
	Active             int           `json:"active"`
	Completed          uint64        `json:"completed"`
	Failed             uint64        `json:"failed"`
	ValidationFailures uint64        `json:"validation_failures"`
	AvgDuration        time.Duration `json:"avg_duration"`
	P50                time.Duration `json:"p50"`
	P95                time.Duration `json:"p95"`
	ThroughputPerMin   float64       `json:"throughput_per_min"`
	ThreadsPerWorker   int           `json:"threads_per_worker"`
	ContextTier        string        `json:"context_tier"`
	CacheCostGB        float64       `json:"cache_cost_gb"`
	LastAdjust         time.Time     `json:"last_adjust"`
	Cooldown           time.Duration `json:"cooldown"`
}

func New(cat Category, o Options) (*Pool, error) {
	o = o.withDefaults()
	if o.Min > o.Max {
		return nil, fmt.Errorf("pool %s: min workers (%d) > max workers (%d)", cat, o.Min, o.Max)
	}
	cur := o.Initial
	if cur < o.Min {
		cur = o.Min
	}
	if cur > o.Max {
		cur = o.Max
	}
	return &Pool{
		Category:         cat,
		min:              o.Min,
		max:              o.Max,
		current:          cur,
		threadsPerWorker: o.ThreadsPerWorker,
		contextTier:      o.ContextTier,
		cacheCostGB:      o.CacheCostGB,
		cooldown:         o.Cooldown,
		historySize:      o.HistorySize,
	}, nil
}

func (p *Pool) Current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Pool) Bounds() (min, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.min, p.max
}

// CooldownElapsed reports whether a resize is allowed at the given time.
func (p *Pool) CooldownElapsed(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAdjust.IsZero() || now.Sub(p.lastAdjust) >= p.cooldown
}

// SetCurrent moves the worker count to n (clamped to [min,max]) and resets
// the cooldown clock. It returns the previous and effective new count.
func (p *Pool) SetCurrent(n int, now time.Time) (old, cur int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old = p.current
	if n < p.min {
		n = p.min
	}
	if n > p.max {
		n = p.max
	}
	if n != p.current {
		p.current = n
		p.lastAdjust = now
	}
	return old, p.current
}

func (p *Pool) JobStarted() {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
}

// JobFinished records a completed unit of work. Only successful runs enter
// the rolling duration window; failures are counted separately.
func (p *Pool) JobFinished(d time.Duration, success bool, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active > 0 {
		p.active--
	}
	if !success {
		p.failed++
		return
	}
	p.completed++
	p.durations = append(p.durations, d)
	p.finishedAt = append(p.finishedAt, now)
	if len(p.durations) > p.historySize {
		p.durations = p.durations[len(p.durations)-p.historySize:]
		p.finishedAt = p.finishedAt[len(p.finishedAt)-p.historySize:]
	}
	var sum time.Duration
	for _, v := range p.durations {
		sum += v
	}
	p.avg = sum / time.Duration(len(p.durations))
}

// NoteValidationFailure counts downstream validation rejects (e.g. an
// extracted unit dropped by the scorer's input checks).
func (p *Pool) NoteValidationFailure() {
	p.mu.Lock()
	p.validationFailures++
	p.mu.Unlock()
}

func (p *Pool) Snapshot(now time.Time) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		Category:           p.Category,
		Min:                p.min,
		Max:                p.max,
		Current:            p.current,
		Active:             p.active,
		Completed:          p.completed,
		Failed:             p.failed,
		ValidationFailures: p.validationFailures,
		AvgDuration:        p.avg,
		ThreadsPerWorker:   p.threadsPerWorker,
		ContextTier:        p.contextTier.String(),
		CacheCostGB:        p.cacheCostGB,
		LastAdjust:         p.lastAdjust,
		Cooldown:           p.cooldown,
	}
	st.P50, st.P95 = percentiles(p.durations)

	// Throughput over the trailing minute, from the bounded window.
	cutoff := now.Add(-time.Minute)
	n := 0
	for _, t := range p.finishedAt {
		if t.After(cutoff) {
			n++
		}
	}
	st.ThroughputPerMin = float64(n)
	return st
}

func percentiles(durations []time.Duration) (p50, p95 time.Duration) {
	if len(durations) == 0 {
		return 0, 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := func(q float64) int {
		i := int(q * float64(len(sorted)-1))
		if i < 0 {
			i = 0
		}
		if i >= len(sorted) {
			i = len(sorted) - 1
		}
		return i
	}
	return sorted[idx(0.50)], sorted[idx(0.95)]
}
