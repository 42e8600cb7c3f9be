package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skelly-jelly/core/internal/registry"
	"github.com/skelly-jelly/core/internal/schema"
)

func TestHealthz(t *testing.T) {
	reg := registry.New()
	s := New(":0", reg, nil)

	req := httptest.NewRequest(http.MethodGet, healthzPath, nil)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusReflectsWorstModule(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(schema.ModuleDescriptor{Name: "storage"}))
	require.NoError(t, reg.Transition("storage", schema.ModuleStarting, ""))
	require.NoError(t, reg.Transition("storage", schema.ModuleRunning, ""))
	require.NoError(t, reg.Transition("storage", schema.ModuleDegraded, "disk low"))

	s := New(":0", reg, nil)
	req := httptest.NewRequest(http.MethodGet, statusPath, nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"overall":"degraded"`)
}
