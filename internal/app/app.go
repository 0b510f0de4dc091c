// Package app wires configuration, logging, telemetry, storage and the
// batch orchestrator into one process lifecycle.
package app

import (
	"context"
	"fmt"

	"mineflow/internal/batch"
	"mineflow/internal/config"
	"mineflow/internal/eventbus"
	"mineflow/internal/hardware"
	"mineflow/internal/parallel"
	"mineflow/internal/runtime/supervisor"
	"mineflow/internal/storage"
	logx "mineflow/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	mgr     *parallel.Manager
	orch    *batch.Orchestrator
	sweeper *batch.Sweeper
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(mapLogging(cfg.Logging))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	profile, err := resolveProfile(context.Background(), cfg.Hardware)
	if err != nil {
		return nil, err
	}
	log.Info("hardware profile",
		logx.Int("cores", profile.Cores),
		logx.Float64("memory_gb", profile.MemoryGB),
		logx.String("chip_class", profile.ChipClass),
	)

	tuning, err := mapTuning(cfg)
	if err != nil {
		return nil, err
	}
	mgr, err := parallel.New(profile, hardware.DefaultTuning(), tuning, nil,
		log.With(logx.String("comp", "parallel")), bus)
	if err != nil {
		return nil, err
	}

	sc, err := mapStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if cfg.Storage == nil {
		log.Warn("storage not configured; batches will not survive restarts")
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	orch := batch.New(store, mgr, log.With(logx.String("comp", "batch")), bus)

	rc, err := mapRetention(cfg.Retention)
	if err != nil {
		return nil, err
	}
	sweeper := batch.NewSweeper(store, log.With(logx.String("comp", "retention")), rc)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		mgr:     mgr,
		orch:    orch,
		sweeper: sweeper,
	}, nil
}

// Orchestrator exposes batch submission to callers embedding the app.
func (a *App) Orchestrator() *batch.Orchestrator { return a.orch }

// Manager exposes the parallelization manager (worker budgets, telemetry).
func (a *App) Manager() *parallel.Manager { return a.mgr }

// Bus exposes the in-process event bus.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Start launches the background services: telemetry sampler, config
// watcher + reload loop, retention sweeper.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.mgr.StartSampler(a.sup.Context())

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	updates := a.cfgm.Subscribe(4)
	prev := a.cfgm.Get()
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyReload(prev, cfg)
				prev = cfg
			}
		}
	})

	if err := a.sweeper.Start(); err != nil {
		return err
	}

	a.log.Info("mineflow started")
	return nil
}

// applyReload applies the hot-reloadable subset of the config. Pool bounds
// and hardware limits are startup-only; changing them requires a restart.
func (a *App) applyReload(oldCfg, newCfg *config.Config) {
	changed, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) == 0 {
		return
	}
	a.log.Info("config reloaded", append(attrs, logx.Any("sections", changed))...)

	for _, section := range changed {
		switch section {
		case "logging":
			a.logs.Apply(mapLogging(newCfg.Logging))
		case "hardware", "pools", "tuning":
			a.log.Warn("section requires restart to take effect",
				logx.String("section", section))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.sweeper.Stop(ctx)
	a.mgr.StopSampler()
	a.orch.Close()

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.log.Info("mineflow stopped")
	a.logs.Close()
	return err
}
