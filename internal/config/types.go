package config

// Config is the root of the mineflow configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
// Unknown keys are rejected so typos surface at load time instead of
// silently falling back to defaults.
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Hardware *HardwareConfig `json:"hardware,omitempty"`

	// Tuning adjusts the adaptive sizing thresholds. Omitted fields keep
	// their built-in defaults.
	Tuning *TuningConfig `json:"tuning,omitempty"`

	// Pools overrides per-category worker bounds. Keys are category names
	// (fetch, extract, score, transcribe, fingerprint).
	Pools map[string]PoolConfig `json:"pools,omitempty"`

	// Storage controls batch persistence. Nil disables durable batches.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Retention prunes terminal batches on a cron schedule. Nil or
	// enabled=false keeps everything forever.
	Retention *RetentionConfig `json:"retention,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HardwareConfig pins the machine profile. Zero fields are autodetected
// at startup.
type HardwareConfig struct {
	Cores     int     `json:"cores,omitempty"`
	MemoryGB  float64 `json:"memory_gb,omitempty"`
	ChipClass string  `json:"chip_class,omitempty"` // base, pro, max, ultra
}

// TuningConfig exposes the adaptive sizing knobs. Percent fields are
// 0-100; zero means "use the default".
type TuningConfig struct {
	GrowCPUBelow   float64 `json:"grow_cpu_below,omitempty"`
	GrowMemBelow   float64 `json:"grow_mem_below,omitempty"`
	ShrinkCPUAbove float64 `json:"shrink_cpu_above,omitempty"`
	ShrinkMemAbove float64 `json:"shrink_mem_above,omitempty"`

	QueueDepthMultiplier float64 `json:"queue_depth_multiplier,omitempty"`

	// QueueRatios splits shared queue capacity across categories. Values
	// should sum to roughly 1.0.
	QueueRatios map[string]float64 `json:"queue_ratios,omitempty"`

	// SampleEvery is the background telemetry sampling interval.
	SampleEvery string `json:"sample_every,omitempty"`

	// PressureTicks is how many consecutive hot samples raise a pressure
	// event.
	PressureTicks int `json:"pressure_ticks,omitempty"`
}

// PoolConfig bounds one category's worker pool.
type PoolConfig struct {
	Min              int    `json:"min,omitempty"`
	Max              int    `json:"max,omitempty"`
	Initial          int    `json:"initial,omitempty"`
	ThreadsPerWorker int    `json:"threads_per_worker,omitempty"`
	Cooldown         string `json:"cooldown,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./mineflow.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type RetentionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // 5-field cron expression
	MaxAge   string `json:"max_age,omitempty"`
}
