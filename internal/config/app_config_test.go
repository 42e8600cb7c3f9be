package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadOrDefaultFallsBackWhenPathMissing(t *testing.T) {
	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Equal(t, DefaultAppConfig(), cfg)
}

func TestLoadOrDefaultEmptyPath(t *testing.T) {
	cfg := LoadOrDefault("")
	require.Equal(t, DefaultAppConfig(), cfg)
}

func TestLoadAppliesNormaliseOverZeroFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	partial := map[string]any{
		"bus": map[string]any{
			"fanout_workers": 8,
		},
	}
	raw, err := yaml.Marshal(partial)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 8, cfg.Bus.FanoutWorkers)
	// Untouched fields fall back to documented defaults rather than zero values.
	require.Equal(t, DefaultAppConfig().Bus.MaxQueueSize, cfg.Bus.MaxQueueSize)
	require.Equal(t, DefaultAppConfig().Storage.DatabasePath, cfg.Storage.DatabasePath)
}

func TestLoadRejectsInvalidDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus: [this is not a bus config]"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejectsNonPositiveRetention(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Storage.ScreenshotRetentionSeconds = 0
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsZeroFanoutWorkers(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Bus.FanoutWorkers = 0
	require.Error(t, Validate(cfg))
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, Validate(DefaultAppConfig()))
}

func TestCloneIsIndependentOfSource(t *testing.T) {
	cfg := DefaultAppConfig()
	clone := cfg.Clone()
	clone.Resources["storage"] = ResourceBudget{MemoryMB: 999}

	require.NotEqual(t, cfg.Resources["storage"].MemoryMB, clone.Resources["storage"].MemoryMB)
}

func TestSaveAppConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	cfg := DefaultAppConfig()
	cfg.APIServer.Addr = ":9999"

	require.NoError(t, SaveAppConfig(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", loaded.APIServer.Addr)
}

func TestDerivedDurationHelpers(t *testing.T) {
	cfg := DefaultAppConfig()
	require.Equal(t, 30, int(cfg.HealthCheckInterval().Seconds()))
	require.Equal(t, 60, int(cfg.StartupTimeout().Seconds()))
	require.Equal(t, 30, int(cfg.ShutdownTimeout().Seconds()))
	require.Equal(t, 10, int(cfg.RecoveryBackoff().Seconds()))
	require.Equal(t, 30, int(cfg.BatchWindow().Seconds()))
	require.Equal(t, 30, int(cfg.ScreenshotRetention().Seconds()))
}
