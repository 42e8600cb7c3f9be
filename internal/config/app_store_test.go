package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetBusPersistsOnChange(t *testing.T) {
	var persisted []AppConfig
	store := NewAppConfigStore(DefaultAppConfig(), func(cfg AppConfig) error {
		persisted = append(persisted, cfg)
		return nil
	})

	next := store.Snapshot().Bus
	next.FanoutWorkers = 16
	require.NoError(t, store.SetBus(next))

	require.Len(t, persisted, 1)
	require.Equal(t, 16, store.Snapshot().Bus.FanoutWorkers)
}

func TestSetBusNoopSkipsPersist(t *testing.T) {
	calls := 0
	store := NewAppConfigStore(DefaultAppConfig(), func(cfg AppConfig) error {
		calls++
		return nil
	})

	require.NoError(t, store.SetBus(store.Snapshot().Bus))
	require.Zero(t, calls, "identical value must not trigger a persist")
}

func TestSetResourceBudgetPersistsAndIsolated(t *testing.T) {
	store := NewAppConfigStore(DefaultAppConfig(), nil)

	require.NoError(t, store.SetResourceBudget("analysis_engine", ResourceBudget{MemoryMB: 256}))

	snap := store.Snapshot()
	require.Equal(t, 256, snap.Resources["analysis_engine"].MemoryMB)

	snap.Resources["analysis_engine"] = ResourceBudget{MemoryMB: 1}
	require.Equal(t, 256, store.Snapshot().Resources["analysis_engine"].MemoryMB, "snapshot mutation must not leak back into the store")
}

func TestReplacePropagatesPersistError(t *testing.T) {
	wantErr := errors.New("disk full")
	store := NewAppConfigStore(DefaultAppConfig(), func(cfg AppConfig) error {
		return wantErr
	})

	next := DefaultAppConfig()
	next.APIServer.Addr = ":1"
	err := store.Replace(next)
	require.ErrorIs(t, err, wantErr)

	// The failed write must not have been applied.
	require.NotEqual(t, ":1", store.Snapshot().APIServer.Addr)
}

func TestApplyPatchUpdatesOnlyRecognizedFields(t *testing.T) {
	store := NewAppConfigStore(DefaultAppConfig(), nil)

	err := store.ApplyPatch("gamification", map[string]any{
		"cpu_percent": 5.5,
		"memory_mb":   128.0,
		"unused_key":  "ignored",
	})
	require.NoError(t, err)

	budget := store.Snapshot().Resources["gamification"]
	require.Equal(t, 5.5, budget.CPUPercent)
	require.Equal(t, 128, budget.MemoryMB)
}

func TestApplyPatchAcceptsNilPatch(t *testing.T) {
	store := NewAppConfigStore(DefaultAppConfig(), nil)
	require.NoError(t, store.ApplyPatch("gamification", nil))
}
