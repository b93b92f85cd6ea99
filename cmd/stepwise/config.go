package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/stepwise/internal/tools"
)

// Config holds all stepwise server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	WorkflowDir    string `json:"workflow_dir"`
	OutputDir      string `json:"output_dir"`
	PersistOutputs bool   `json:"persist_outputs"`
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	LogFormat      string `json:"log_format"`
	MetricsAddr    string `json:"metrics_addr"`
	Tracing        bool   `json:"tracing"`

	IdleTimeout   Duration `json:"idle_timeout"`
	ReapInterval  Duration `json:"reap_interval"`
	MaxParallel   int      `json:"max_parallel"`
	DisplayTokens int      `json:"display_tokens"`
	MaxStepTokens int      `json:"max_step_tokens"`

	DefaultModel       string  `json:"default_model"`
	DefaultTemperature float64 `json:"default_temperature"`
	DefaultMaxTokens   int     `json:"default_max_tokens"`

	ArchiveRetention Duration `json:"archive_retention"`
	PruneSchedule    string   `json:"prune_schedule"`

	Providers []tools.ProviderConfig `json:"providers"`
}

// Duration is a time.Duration that reads "30m" style strings from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func defaultConfig() Config {
	dir := stepwiseDir()
	return Config{
		WorkflowDir:        filepath.Join(dir, "workflows"),
		OutputDir:          filepath.Join(dir, "outputs"),
		DBPath:             filepath.Join(dir, "stepwise.db"),
		LogLevel:           "info",
		LogFormat:          "json",
		IdleTimeout:        Duration(30 * time.Minute),
		ReapInterval:       Duration(5 * time.Minute),
		MaxParallel:        4,
		DisplayTokens:      1000,
		MaxStepTokens:      2000,
		DefaultModel:       "default",
		DefaultTemperature: 0.7,
		DefaultMaxTokens:   4096,
		ArchiveRetention:   Duration(30 * 24 * time.Hour),
		PruneSchedule:      "@daily",
	}
}

func stepwiseDir() string {
	if v := os.Getenv("STEPWISE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepwise"
	}
	return filepath.Join(home, ".stepwise")
}

func settingsPath() string {
	return filepath.Join(stepwiseDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	applyEnv(&cfg, os.Getenv)
	return cfg
}

func applyEnv(cfg *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	duration := func(key string, dst *Duration) {
		if v := getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}

	str("STEPWISE_WORKFLOW_DIR", &cfg.WorkflowDir)
	str("STEPWISE_OUTPUT_DIR", &cfg.OutputDir)
	boolean("STEPWISE_PERSIST_OUTPUTS", &cfg.PersistOutputs)
	str("STEPWISE_DB_PATH", &cfg.DBPath)
	str("STEPWISE_LOG_LEVEL", &cfg.LogLevel)
	str("STEPWISE_LOG_FORMAT", &cfg.LogFormat)
	str("STEPWISE_METRICS_ADDR", &cfg.MetricsAddr)
	boolean("STEPWISE_TRACING", &cfg.Tracing)
	duration("STEPWISE_IDLE_TIMEOUT", &cfg.IdleTimeout)
	duration("STEPWISE_REAP_INTERVAL", &cfg.ReapInterval)
	integer("STEPWISE_MAX_PARALLEL", &cfg.MaxParallel)
	integer("STEPWISE_DISPLAY_TOKENS", &cfg.DisplayTokens)
	integer("STEPWISE_MAX_STEP_TOKENS", &cfg.MaxStepTokens)
	str("STEPWISE_DEFAULT_MODEL", &cfg.DefaultModel)
	if v := getenv("STEPWISE_DEFAULT_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.DefaultTemperature = f
		}
	}
	integer("STEPWISE_DEFAULT_MAX_TOKENS", &cfg.DefaultMaxTokens)
	duration("STEPWISE_ARCHIVE_RETENTION", &cfg.ArchiveRetention)
	str("STEPWISE_PRUNE_SCHEDULE", &cfg.PruneSchedule)
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged    bool
	WorkflowDirChanged bool
	RestartNeeded      []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.WorkflowDir != new.WorkflowDir {
		d.WorkflowDirChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.MetricsAddr != new.MetricsAddr {
		d.RestartNeeded = append(d.RestartNeeded, "metrics_addr")
	}
	if old.OutputDir != new.OutputDir || old.PersistOutputs != new.PersistOutputs {
		d.RestartNeeded = append(d.RestartNeeded, "output_dir")
	}
	if old.IdleTimeout != new.IdleTimeout || old.ReapInterval != new.ReapInterval {
		d.RestartNeeded = append(d.RestartNeeded, "idle_timeout")
	}
	if old.MaxParallel != new.MaxParallel {
		d.RestartNeeded = append(d.RestartNeeded, "max_parallel")
	}
	if len(old.Providers) != len(new.Providers) {
		d.RestartNeeded = append(d.RestartNeeded, "providers")
	}
	return d
}

func pidPath() string {
	return filepath.Join(stepwiseDir(), "stepwise.pid")
}
