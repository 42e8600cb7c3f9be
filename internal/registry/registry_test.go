package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skelly-jelly/core/internal/errs"
	"github.com/skelly-jelly/core/internal/schema"
)

func TestRegisterAndStartOrder(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(schema.ModuleDescriptor{Name: "storage"}))
	require.NoError(t, r.Register(schema.ModuleDescriptor{Name: "data_capture", DependsOn: []string{"storage"}}))
	require.NoError(t, r.Register(schema.ModuleDescriptor{Name: "analysis_engine", DependsOn: []string{"storage", "data_capture"}}))

	order := r.StartOrder()
	require.Equal(t, []string{"storage", "data_capture", "analysis_engine"}, order)
}

func TestRegisterUnknownDependencyFails(t *testing.T) {
	r := New()
	err := r.Register(schema.ModuleDescriptor{Name: "data_capture", DependsOn: []string{"storage"}})
	require.Error(t, err)
}

func TestRegisterCycleRejected(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(schema.ModuleDescriptor{Name: "a"}))
	require.NoError(t, r.Register(schema.ModuleDescriptor{Name: "b", DependsOn: []string{"a"}}))

	err := r.Register(schema.ModuleDescriptor{Name: "c", DependsOn: []string{"c"}})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeCycleDetected))

	// The rejected module must not have been left registered.
	_, ok := r.Status("c")
	require.False(t, ok)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(schema.ModuleDescriptor{Name: "storage"}))

	err := r.Transition("storage", schema.ModuleRunning, "")
	require.Error(t, err)

	require.NoError(t, r.Transition("storage", schema.ModuleStarting, ""))
	require.NoError(t, r.Transition("storage", schema.ModuleRunning, ""))
}

func TestDescendants(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(schema.ModuleDescriptor{Name: "storage"}))
	require.NoError(t, r.Register(schema.ModuleDescriptor{Name: "data_capture", DependsOn: []string{"storage"}}))
	require.NoError(t, r.Register(schema.ModuleDescriptor{Name: "analysis_engine", DependsOn: []string{"data_capture"}}))

	descendants := r.Descendants("storage")
	require.ElementsMatch(t, []string{"data_capture", "analysis_engine"}, descendants)
}
