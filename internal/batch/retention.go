package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"mineflow/internal/storage"
	logx "mineflow/pkg/logx"
)

// RetentionConfig controls pruning of terminal batches. Disabled by
// default: nothing is deleted unless the operator opts in.
type RetentionConfig struct {
	Enabled bool
	// Schedule is a standard 5-field cron expression.
	Schedule string
	// MaxAge is how long a terminal batch is kept after completion.
	MaxAge time.Duration
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.Schedule == "" {
		c.Schedule = "17 3 * * *"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * 24 * time.Hour
	}
	return c
}

// Sweeper prunes terminal batches (and their jobs) older than the
// configured age on a cron schedule.
type Sweeper struct {
	store storage.Store
	log   logx.Logger
	cfg   RetentionConfig
	cron  *cron.Cron
}

func NewSweeper(store storage.Store, log logx.Logger, cfg RetentionConfig) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{store: store, log: log, cfg: cfg.withDefaults()}
}

// Start schedules the sweep. A no-op when retention is disabled.
func (s *Sweeper) Start() error {
	if !s.cfg.Enabled {
		s.log.Debug("retention disabled")
		return nil
	}
	cl := cronLogger{s.log}
	c := cron.New(cron.WithChain(cron.Recover(cl)))
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.SweepOnce(ctx); err != nil {
			s.log.Error("retention sweep failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("retention schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("retention sweeper started",
		logx.String("schedule", s.cfg.Schedule),
		logx.Duration("max_age", s.cfg.MaxAge),
	)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.cron = nil
}

// SweepOnce prunes immediately and returns the number of batches removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.cfg.MaxAge).UnixMilli()
	n, err := s.store.PruneBatches(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("pruned terminal batches", logx.Int64("removed", n))
	}
	return n, nil
}

// cronLogger adapts logx to the cron logging interface.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
