package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"

	"github.com/stretchr/testify/require"
)

func TestTopicAttributesOmitsResultWhenEmpty(t *testing.T) {
	attrs := TopicAttributes("production", "event_batch", "")
	require.Len(t, attrs, 2)
	require.Equal(t, AttrEnvironment.String("production"), attrs[0])
	require.Equal(t, AttrTopic.String("event_batch"), attrs[1])
}

func TestTopicAttributesIncludesResultWhenSet(t *testing.T) {
	attrs := TopicAttributes("production", "event_batch", "success")
	require.Len(t, attrs, 3)
	require.Equal(t, AttrResult.String("success"), attrs[2])
}

func TestModuleStateAttributes(t *testing.T) {
	attrs := ModuleStateAttributes("staging", "storage", "degraded")
	require.Equal(t, []string{"environment", "module", "state"}, attrKeys(attrs))
}

func TestRecoveryAttributes(t *testing.T) {
	attrs := RecoveryAttributes("staging", "storage", "restart_backoff", "success")
	require.Equal(t, []string{"environment", "module", "recovery.action", "result"}, attrKeys(attrs))
}

func attrKeys(attrs []attribute.KeyValue) []string {
	keys := make([]string, len(attrs))
	for i, a := range attrs {
		keys[i] = string(a.Key)
	}
	return keys
}
