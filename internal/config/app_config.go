// Package config loads, validates, and persists the orchestrator's runtime
// configuration document.
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skelly-jelly/core/internal/errs"
)

// BusConfig controls the in-process message bus.
type BusConfig struct {
	MaxQueueSize     int `yaml:"max_queue_size"`
	MessageTimeoutMs int `yaml:"message_timeout_ms"`
	FanoutWorkers    int `yaml:"fanout_workers"`
	AckTimeoutMs     int `yaml:"ack_timeout_ms"`
}

// StorageConfig controls the event store, spill queue, and screenshot cache sizing.
type StorageConfig struct {
	DatabasePath                   string        `yaml:"database_path"`
	MaxBatchSize                   int           `yaml:"max_batch_size"`
	BatchWindowSeconds             int           `yaml:"batch_window_seconds"`
	ScreenshotMemoryThresholdBytes int64         `yaml:"screenshot_memory_threshold_bytes"`
	ScreenshotRetentionSeconds     int           `yaml:"screenshot_retention_seconds"`
	SpillMaxEntries                int           `yaml:"spill_max_entries"`
	RetentionDays                  RetentionDays `yaml:"retention_days"`
}

// RetentionDays configures how long each aggregation tier is kept.
type RetentionDays struct {
	Raw    int `yaml:"raw"`
	Minute int `yaml:"minute"`
	Day    int `yaml:"day"`
}

// ScreenshotsConfig controls the screenshot cache's dev-mode retention.
type ScreenshotsConfig struct {
	DevModeRetain bool `yaml:"dev_mode_retain"`
	DevModeKeep   int  `yaml:"dev_mode_keep"`
}

// OrchestratorConfig controls health checking, startup, and recovery timing.
type OrchestratorConfig struct {
	HealthCheckIntervalMs int `yaml:"health_check_interval_ms"`
	StartupTimeoutMs      int `yaml:"startup_timeout_ms"`
	ShutdownTimeoutMs     int `yaml:"shutdown_timeout_ms"`
	MaxRecoveryAttempts   int `yaml:"max_recovery_attempts"`
	RecoveryBackoffMs     int `yaml:"recovery_backoff_ms"`
}

// ResourceBudget caps CPU, memory, file-handle, and thread usage for one module.
type ResourceBudget struct {
	CPUPercent  float64 `yaml:"cpu_percent"`
	MemoryMB    int     `yaml:"memory_mb"`
	FileHandles int     `yaml:"file_handles"`
	Threads     int     `yaml:"threads"`
}

// TelemetryConfig controls OTLP export.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// APIServerConfig controls the control-plane HTTP surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// AppConfig is the full recognized configuration document.
type AppConfig struct {
	Bus          BusConfig                 `yaml:"bus"`
	Storage      StorageConfig             `yaml:"storage"`
	Screenshots  ScreenshotsConfig         `yaml:"screenshots"`
	Orchestrator OrchestratorConfig        `yaml:"orchestrator"`
	Resources    map[string]ResourceBudget `yaml:"resources"`
	Telemetry    TelemetryConfig           `yaml:"telemetry"`
	APIServer    APIServerConfig           `yaml:"api_server"`
}

// DefaultAppConfig returns the documented defaults from the configuration surface.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Bus: BusConfig{
			MaxQueueSize:     1000,
			MessageTimeoutMs: 5000,
			FanoutWorkers:    4,
			AckTimeoutMs:     10000,
		},
		Storage: StorageConfig{
			DatabasePath:                   "data/events.db",
			MaxBatchSize:                   10000,
			BatchWindowSeconds:             30,
			ScreenshotMemoryThresholdBytes: 5 * 1024 * 1024,
			ScreenshotRetentionSeconds:     30,
			SpillMaxEntries:                10000,
			RetentionDays:                  RetentionDays{Raw: 7, Minute: 30, Day: 365},
		},
		Screenshots: ScreenshotsConfig{
			DevModeRetain: false,
			DevModeKeep:   5,
		},
		Orchestrator: OrchestratorConfig{
			HealthCheckIntervalMs: 30000,
			StartupTimeoutMs:      60000,
			ShutdownTimeoutMs:     30000,
			MaxRecoveryAttempts:   3,
			RecoveryBackoffMs:     10000,
		},
		Resources: map[string]ResourceBudget{
			"bus":          {CPUPercent: 2, MemoryMB: 100},
			"orchestrator": {CPUPercent: 1, MemoryMB: 50},
			"storage":      {CPUPercent: 10, MemoryMB: 200},
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "localhost:4318",
			EnableMetrics: true,
		},
		APIServer: APIServerConfig{
			Addr: ":8080",
		},
	}
}

// Load reads and validates an AppConfig document from configPath, falling
// back to defaults for any zero-valued section.
func Load(configPath string) (AppConfig, error) {
	cfg := DefaultAppConfig()
	if configPath == "" {
		return cfg, nil
	}

	f, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return AppConfig{}, errs.New("config", errs.CodeConfigInvalid, errs.WithMessage("decode "+configPath), errs.WithCause(err))
	}

	normalise(&cfg)
	if err := Validate(cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configPath, returning defaults (never an error) when
// the path is empty or does not exist.
func LoadOrDefault(configPath string) AppConfig {
	if configPath == "" {
		return DefaultAppConfig()
	}
	if _, err := os.Stat(configPath); err != nil {
		return DefaultAppConfig()
	}
	cfg, err := Load(configPath)
	if err != nil {
		return DefaultAppConfig()
	}
	return cfg
}

func openConfigFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New("config", errs.CodeConfigInvalid, errs.WithMessage("open "+path), errs.WithCause(err))
	}
	return f, nil
}

func normalise(cfg *AppConfig) {
	def := DefaultAppConfig()
	if cfg.Bus.MaxQueueSize <= 0 {
		cfg.Bus.MaxQueueSize = def.Bus.MaxQueueSize
	}
	if cfg.Bus.FanoutWorkers <= 0 {
		cfg.Bus.FanoutWorkers = def.Bus.FanoutWorkers
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = def.Storage.DatabasePath
	}
	if cfg.Storage.MaxBatchSize <= 0 {
		cfg.Storage.MaxBatchSize = def.Storage.MaxBatchSize
	}
	if cfg.Storage.BatchWindowSeconds <= 0 {
		cfg.Storage.BatchWindowSeconds = def.Storage.BatchWindowSeconds
	}
	if cfg.Storage.ScreenshotMemoryThresholdBytes <= 0 {
		cfg.Storage.ScreenshotMemoryThresholdBytes = def.Storage.ScreenshotMemoryThresholdBytes
	}
	if cfg.Storage.ScreenshotRetentionSeconds <= 0 {
		cfg.Storage.ScreenshotRetentionSeconds = def.Storage.ScreenshotRetentionSeconds
	}
	if cfg.Storage.SpillMaxEntries <= 0 {
		cfg.Storage.SpillMaxEntries = def.Storage.SpillMaxEntries
	}
	if cfg.Screenshots.DevModeKeep <= 0 {
		cfg.Screenshots.DevModeKeep = def.Screenshots.DevModeKeep
	}
	if cfg.Orchestrator.HealthCheckIntervalMs <= 0 {
		cfg.Orchestrator.HealthCheckIntervalMs = def.Orchestrator.HealthCheckIntervalMs
	}
	if cfg.Orchestrator.StartupTimeoutMs <= 0 {
		cfg.Orchestrator.StartupTimeoutMs = def.Orchestrator.StartupTimeoutMs
	}
	if cfg.Orchestrator.ShutdownTimeoutMs <= 0 {
		cfg.Orchestrator.ShutdownTimeoutMs = def.Orchestrator.ShutdownTimeoutMs
	}
	if cfg.Orchestrator.MaxRecoveryAttempts <= 0 {
		cfg.Orchestrator.MaxRecoveryAttempts = def.Orchestrator.MaxRecoveryAttempts
	}
	if cfg.Orchestrator.RecoveryBackoffMs <= 0 {
		cfg.Orchestrator.RecoveryBackoffMs = def.Orchestrator.RecoveryBackoffMs
	}
	if cfg.Resources == nil {
		cfg.Resources = def.Resources
	}
	if cfg.Telemetry.OTLPEndpoint == "" {
		cfg.Telemetry.OTLPEndpoint = def.Telemetry.OTLPEndpoint
	}
	if cfg.APIServer.Addr == "" {
		cfg.APIServer.Addr = def.APIServer.Addr
	}
}

// Validate checks structural constraints the normalise pass cannot fix by
// substituting defaults (non-positive screenshot retention or fan-out, negative recovery
// attempts, an unresolvable database path).
func Validate(cfg AppConfig) error {
	if cfg.Storage.ScreenshotRetentionSeconds <= 0 {
		return errs.New("config", errs.CodeConfigInvalid, errs.WithMessage("storage.screenshot_retention_seconds must be positive"))
	}
	if cfg.Bus.FanoutWorkers <= 0 {
		return errs.New("config", errs.CodeConfigInvalid, errs.WithMessage("bus.fanout_workers must be positive"))
	}
	if cfg.Orchestrator.MaxRecoveryAttempts < 0 {
		return errs.New("config", errs.CodeConfigInvalid, errs.WithMessage("orchestrator.max_recovery_attempts must be non-negative"))
	}
	if _, err := filepath.Abs(cfg.Storage.DatabasePath); err != nil {
		return errs.New("config", errs.CodeConfigInvalid, errs.WithMessage("storage.database_path invalid"), errs.WithCause(err))
	}
	return nil
}

// Clone returns a deep copy of cfg, used by AppConfigStore to avoid sharing
// mutable state with callers.
func (cfg AppConfig) Clone() AppConfig {
	out := cfg
	out.Resources = make(map[string]ResourceBudget, len(cfg.Resources))
	for k, v := range cfg.Resources {
		out.Resources[k] = v
	}
	return out
}

// SaveAppConfig writes cfg to path atomically: it writes to a temp file in
// the same directory, syncs, and renames over the destination.
func SaveAppConfig(path string, cfg AppConfig) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".appconfig-*.tmp")
	if err != nil {
		return errs.New("config", errs.CodeConfigInvalid, errs.WithMessage("create temp file"), errs.WithCause(err))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := yaml.NewEncoder(tmp)
	if err := enc.Encode(cfg); err != nil {
		tmp.Close()
		return errs.New("config", errs.CodeConfigInvalid, errs.WithMessage("encode config"), errs.WithCause(err))
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return errs.New("config", errs.CodeConfigInvalid, errs.WithMessage("close encoder"), errs.WithCause(err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.New("config", errs.CodeConfigInvalid, errs.WithMessage("sync temp file"), errs.WithCause(err))
	}
	if err := tmp.Close(); err != nil {
		return errs.New("config", errs.CodeConfigInvalid, errs.WithMessage("close temp file"), errs.WithCause(err))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.New("config", errs.CodeConfigInvalid, errs.WithMessage("rename into place"), errs.WithCause(err))
	}
	return nil
}

// cloneAny deep-copies simple JSON-like values (maps/slices of primitives),
// used when cloning patches applied via ConfigUpdate control messages.
func cloneAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneAny(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneAny(item)
		}
		return out
	default:
		if reflect.ValueOf(v).Kind() == reflect.Invalid {
			return nil
		}
		return v
	}
}

// durationMs converts a millisecond integer field to a time.Duration,
// matching the yaml surface's millisecond-integer convention.
func durationMs(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// HealthCheckInterval returns the orchestrator's health probe period.
func (cfg AppConfig) HealthCheckInterval() time.Duration {
	return durationMs(cfg.Orchestrator.HealthCheckIntervalMs)
}

// StartupTimeout returns the module startup deadline.
func (cfg AppConfig) StartupTimeout() time.Duration {
	return durationMs(cfg.Orchestrator.StartupTimeoutMs)
}

// ShutdownTimeout returns the graceful shutdown deadline.
func (cfg AppConfig) ShutdownTimeout() time.Duration {
	return durationMs(cfg.Orchestrator.ShutdownTimeoutMs)
}

// RecoveryBackoff returns the base recovery backoff interval.
func (cfg AppConfig) RecoveryBackoff() time.Duration {
	return durationMs(cfg.Orchestrator.RecoveryBackoffMs)
}

// BatchWindow returns the batch assembler's tumbling window length.
func (cfg AppConfig) BatchWindow() time.Duration {
	return time.Duration(cfg.Storage.BatchWindowSeconds) * time.Second
}

// ScreenshotRetention returns the screenshot cache TTL.
func (cfg AppConfig) ScreenshotRetention() time.Duration {
	return time.Duration(cfg.Storage.ScreenshotRetentionSeconds) * time.Second
}
