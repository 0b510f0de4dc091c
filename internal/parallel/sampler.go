package parallel

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"mineflow/internal/eventbus"
	rtsup "mineflow/internal/runtime/supervisor"
	logx "mineflow/pkg/logx"
)

type samplerState struct {
	sup    *rtsup.Supervisor
	cancel context.CancelFunc
}

// PressureEvent is published when resource pressure persists across several
// consecutive samples.
type PressureEvent struct {
	CPU       float64       `json:"cpu_percent"`
	Memory    float64       `json:"memory_percent"`
	Sustained time.Duration `json:"sustained"`
}

// StartSampler launches the background telemetry loop. The loop only logs
// and publishes pressure events; all sizing decisions stay in
// GetOptimalWorkers so worker counts have a single writer.
//
// StartSampler is idempotent while a sampler is running.
func (m *Manager) StartSampler(ctx context.Context) {
	m.samplerMu.Lock()
	defer m.samplerMu.Unlock()
	if m.sampler != nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sctx, cancel := context.WithCancel(ctx)
	sup := rtsup.New(sctx, rtsup.WithLogger(m.log.With(logx.String("comp", "sampler"))))
	m.sampler = &samplerState{sup: sup, cancel: cancel}

	// Sampler errors are recovered internally: the restart wrapper backs off
	// and retries, and callers of GetOptimalWorkers keep the last budget.
	sup.GoRestart("telemetry", func(c context.Context) error {
		return m.sampleLoop(c)
	}, rtsup.WithStopOnCleanExit(true))

	m.log.Debug("telemetry sampler started", logx.Duration("every", m.tuning.SampleEvery))
}

// StopSampler stops the background loop and joins it.
func (m *Manager) StopSampler() {
	m.samplerMu.Lock()
	st := m.sampler
	m.sampler = nil
	m.samplerMu.Unlock()

	if st == nil {
		return
	}
	st.cancel()
	_ = st.sup.Wait(context.Background())
	m.log.Debug("telemetry sampler stopped")
}

func (m *Manager) sampleLoop(ctx context.Context) error {
	t := time.NewTicker(m.tuning.SampleEvery)
	defer t.Stop()

	warn := rate.NewLimiter(rate.Limit(m.tuning.PressureWarnRate), 1)
	pressured := 0
	var pressureSince time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		sctx, cancel := context.WithTimeout(ctx, m.tuning.SampleTimeout)
		s, err := m.probe.Sample(sctx)
		cancel()
		if err != nil {
			// Returning the error lets the supervisor back off and retry.
			return err
		}

		m.sampleMu.Lock()
		m.lastSample = s
		m.hasSample = true
		m.sampleMu.Unlock()

		m.log.Trace("telemetry",
			logx.Float64("cpu", s.CPUPercent),
			logx.Float64("mem", s.MemoryPercent),
			logx.Float64("mem_avail_gb", s.MemoryAvailableGB),
		)

		if s.CPUPercent > m.tuning.PressureCPUAbove || s.MemoryPercent > m.tuning.PressureMemAbove {
			if pressured == 0 {
				pressureSince = time.Now()
			}
			pressured++
			if pressured >= m.tuning.PressureTicks {
				sustained := time.Since(pressureSince)
				if warn.Allow() {
					m.log.Warn("sustained resource pressure",
						logx.Float64("cpu", s.CPUPercent),
						logx.Float64("mem", s.MemoryPercent),
						logx.Duration("sustained", sustained),
					)
				}
				if m.bus != nil {
					m.bus.Publish(eventbus.Event{Type: eventbus.TypePressure, Data: PressureEvent{
						CPU: s.CPUPercent, Memory: s.MemoryPercent, Sustained: sustained,
					}})
				}
			}
		} else {
			pressured = 0
		}
	}
}
