package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skelly-jelly/core/internal/config"
	"github.com/skelly-jelly/core/internal/registry"
	"github.com/skelly-jelly/core/internal/schema"
)

type fakeModule struct {
	name      string
	startErr  error
	healthErr atomic.Value
	starts    atomic.Int32
	stops     atomic.Int32
}

func (f *fakeModule) Name() string { return f.name }

func (f *fakeModule) Start(ctx context.Context) error {
	f.starts.Add(1)
	return f.startErr
}

func (f *fakeModule) Stop(ctx context.Context) error {
	f.stops.Add(1)
	return nil
}

func (f *fakeModule) HealthCheck(ctx context.Context) error {
	if v, ok := f.healthErr.Load().(error); ok {
		return v
	}
	return nil
}

func TestStartAllRunsInDependencyOrder(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(schema.ModuleDescriptor{Name: "storage"}))
	require.NoError(t, reg.Register(schema.ModuleDescriptor{Name: "data_capture", DependsOn: []string{"storage"}}))

	m := NewManager(reg, nil)
	storage := &fakeModule{name: "storage"}
	capture := &fakeModule{name: "data_capture"}
	m.Supervise(storage, schema.ModuleDescriptor{Name: "storage"}, schema.RecoveryRestartBackoff)
	m.Supervise(capture, schema.ModuleDescriptor{Name: "data_capture", DependsOn: []string{"storage"}}, schema.RecoveryRestartBackoff)

	require.NoError(t, m.StartAll(context.Background()))
	defer m.StopAll(context.Background())

	status, ok := reg.Status("storage")
	require.True(t, ok)
	require.Equal(t, schema.ModuleRunning, status.State)

	status, ok = reg.Status("data_capture")
	require.True(t, ok)
	require.Equal(t, schema.ModuleRunning, status.State)
}

func TestStartOneFailsOnModuleError(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(schema.ModuleDescriptor{Name: "storage"}))

	m := NewManager(reg, nil)
	storage := &fakeModule{name: "storage", startErr: errors.New("disk unavailable")}
	m.Supervise(storage, schema.ModuleDescriptor{Name: "storage"}, schema.RecoveryEscalate)

	err := m.StartAll(context.Background())
	require.Error(t, err)

	status, ok := reg.Status("storage")
	require.True(t, ok)
	require.Equal(t, schema.ModuleFailed, status.State)
}

func TestHandleUnhealthyDegradesAndCascades(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(schema.ModuleDescriptor{Name: "storage"}))
	require.NoError(t, reg.Register(schema.ModuleDescriptor{Name: "data_capture", DependsOn: []string{"storage"}}))

	m := NewManager(reg, nil)
	m.unhealthyThreshold = 1
	storage := &fakeModule{name: "storage"}
	capture := &fakeModule{name: "data_capture"}
	m.Supervise(storage, schema.ModuleDescriptor{Name: "storage"}, schema.RecoveryDegrade)
	m.Supervise(capture, schema.ModuleDescriptor{Name: "data_capture", DependsOn: []string{"storage"}}, schema.RecoveryRestartBackoff)

	require.NoError(t, m.StartAll(context.Background()))
	defer m.StopAll(context.Background())

	storage.healthErr.Store(errors.New("disk full"))
	m.probeOne("storage")

	status, _ := reg.Status("storage")
	require.Equal(t, schema.ModuleDegraded, status.State)

	time.Sleep(10 * time.Millisecond)
	captureStatus, _ := reg.Status("data_capture")
	require.Equal(t, schema.ModuleDegraded, captureStatus.State)
}

func TestEvaluateModuleBudgetDegradesOnSustainedBreach(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(schema.ModuleDescriptor{Name: "analysis_engine"}))
	require.NoError(t, reg.Register(schema.ModuleDescriptor{Name: "gamification", DependsOn: []string{"analysis_engine"}}))

	budgets := map[string]config.ResourceBudget{
		"analysis_engine": {MemoryMB: 1},
		"gamification":    {MemoryMB: 1000000},
	}
	m := NewManager(reg, budgets)
	analysis := &fakeModule{name: "analysis_engine"}
	gami := &fakeModule{name: "gamification"}
	m.Supervise(analysis, schema.ModuleDescriptor{Name: "analysis_engine"}, schema.RecoveryDegrade)
	m.Supervise(gami, schema.ModuleDescriptor{Name: "gamification", DependsOn: []string{"analysis_engine"}}, schema.RecoveryRestartBackoff)

	require.NoError(t, m.StartAll(context.Background()))
	defer m.StopAll(context.Background())

	report := schema.ResourceSampleReport{MemoryRSSBytes: 10 * 1024 * 1024}

	// gamification's budget is effectively unlimited; it must never breach.
	require.True(t, m.evaluateModuleBudget("analysis_engine", report))
	require.False(t, m.evaluateModuleBudget("gamification", report))

	status, _ := reg.Status("analysis_engine")
	require.Equal(t, schema.ModuleRunning, status.State, "should not degrade before the threshold")

	require.True(t, m.evaluateModuleBudget("analysis_engine", report))
	require.True(t, m.evaluateModuleBudget("analysis_engine", report))

	status, _ = reg.Status("analysis_engine")
	require.Equal(t, schema.ModuleDegraded, status.State)

	time.Sleep(10 * time.Millisecond)
	gamiStatus, _ := reg.Status("gamification")
	require.Equal(t, schema.ModuleDegraded, gamiStatus.State, "dependents must cascade-degrade too")
}

func TestEvaluateModuleBudgetResetsCounterWhenBackInBudget(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(schema.ModuleDescriptor{Name: "storage"}))

	budgets := map[string]config.ResourceBudget{"storage": {MemoryMB: 1}}
	m := NewManager(reg, budgets)
	storage := &fakeModule{name: "storage"}
	m.Supervise(storage, schema.ModuleDescriptor{Name: "storage"}, schema.RecoveryDegrade)
	require.NoError(t, m.StartAll(context.Background()))
	defer m.StopAll(context.Background())

	over := schema.ResourceSampleReport{MemoryRSSBytes: 10 * 1024 * 1024}
	under := schema.ResourceSampleReport{MemoryRSSBytes: 1}

	require.True(t, m.evaluateModuleBudget("storage", over))
	require.True(t, m.evaluateModuleBudget("storage", over))
	require.False(t, m.evaluateModuleBudget("storage", under))

	require.True(t, m.evaluateModuleBudget("storage", over))
	require.True(t, m.evaluateModuleBudget("storage", over))
	status, _ := reg.Status("storage")
	require.Equal(t, schema.ModuleRunning, status.State, "breach counter should have reset, so threshold isn't reached yet")
}
