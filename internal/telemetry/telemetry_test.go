package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProviderDisabledSkipsExporterSetup(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestProviderMeterFallsBackToGlobalWhenDisabled(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	meter := p.Meter("skelly-jelly-test")
	require.NotNil(t, meter)
}

func TestDefaultConfigReadsEnvironment(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_SERVICE_NAME", "")
	t.Setenv("OTEL_RESOURCE_ENVIRONMENT", "")
	t.Setenv("SKELLY_ENV", "")
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("OTEL_METRICS_ENABLED", "")

	cfg := DefaultConfig()
	require.Equal(t, "localhost:4318", cfg.OTLPEndpoint)
	require.Equal(t, "skelly-jelly-core", cfg.ServiceName)
	require.Equal(t, "development", cfg.Environment)
	require.True(t, cfg.Enabled)
	require.True(t, cfg.EnableMetrics)
}

func TestDefaultConfigRespectsDisableFlags(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("OTEL_METRICS_ENABLED", "false")

	cfg := DefaultConfig()
	require.False(t, cfg.Enabled)
	require.False(t, cfg.EnableMetrics)
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
