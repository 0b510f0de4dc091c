package config

import (
	"reflect"
	"sort"
	"strings"

	logx "mineflow/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// structured attrs describing the new values, for the reload log line.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oHW := derefHardware(oldCfg.Hardware)
	nHW := derefHardware(newCfg.Hardware)
	if oHW != nHW {
		changed = append(changed, "hardware")
		attrs = append(attrs,
			logx.Int("hardware.cores", nHW.Cores),
			logx.Float64("hardware.memory_gb", nHW.MemoryGB),
			logx.String("hardware.chip_class", strings.TrimSpace(nHW.ChipClass)),
		)
	}

	oT := derefTuning(oldCfg.Tuning)
	nT := derefTuning(newCfg.Tuning)
	if !reflect.DeepEqual(oT, nT) {
		changed = append(changed, "tuning")
		attrs = append(attrs,
			logx.Float64("tuning.grow_cpu_below", nT.GrowCPUBelow),
			logx.Float64("tuning.shrink_cpu_above", nT.ShrinkCPUAbove),
			logx.String("tuning.sample_every", strings.TrimSpace(nT.SampleEvery)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pools, newCfg.Pools) {
		changed = append(changed, "pools")
		attrs = append(attrs, logx.Int("pools.count", len(newCfg.Pools)))
	}

	// Storage: nil means persistence disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	oR := derefRetention(oldCfg.Retention)
	nR := derefRetention(newCfg.Retention)
	if oR != nR {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.Bool("retention.enabled", nR.Enabled),
			logx.String("retention.schedule", strings.TrimSpace(nR.Schedule)),
			logx.String("retention.max_age", strings.TrimSpace(nR.MaxAge)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefHardware(h *HardwareConfig) HardwareConfig {
	if h == nil {
		return HardwareConfig{}
	}
	return *h
}

func derefTuning(t *TuningConfig) TuningConfig {
	if t == nil {
		return TuningConfig{}
	}
	return *t
}

func derefRetention(r *RetentionConfig) RetentionConfig {
	if r == nil {
		return RetentionConfig{}
	}
	return *r
}
