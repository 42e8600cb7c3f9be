package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention attribute keys for core telemetry.
const (
	// AttrModule identifies which of the fixed Skelly-Jelly modules a metric concerns.
	AttrModule = attribute.Key("module")
	// AttrEventKind annotates counters/histograms with the RawEvent variant (keystroke, mouse_move, ...).
	AttrEventKind = attribute.Key("event.kind")
	// AttrTopic identifies the bus topic a message was published or delivered on.
	AttrTopic = attribute.Key("topic")
	// AttrPoolName labels pooled object metrics by logical pool (RawEvent, EventBatch, ...).
	AttrPoolName = attribute.Key("pool.name")
	// AttrObjectType captures the Go type being managed inside a pool.
	AttrObjectType = attribute.Key("object.type")
	// AttrState labels module lifecycle state transitions.
	AttrState = attribute.Key("state")
	// AttrRecoveryAction labels which recovery strategy the supervisor applied.
	AttrRecoveryAction = attribute.Key("recovery.action")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorCode categorizes failures by canonical error code.
	AttrErrorCode = attribute.Key("error.code")
	// AttrTier labels screenshot cache entries by storage tier (memory or disk).
	AttrTier = attribute.Key("tier")
)

// EventAttributes returns common attributes for raw event metrics.
func EventAttributes(environment, module, eventKind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrModule.String(module),
		AttrEventKind.String(eventKind),
	}
}

// TopicAttributes returns attributes for bus topic metrics.
func TopicAttributes(environment, topic, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTopic.String(topic),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// PoolAttributes returns common attributes for pool metrics.
func PoolAttributes(environment, poolName, objectType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrPoolName.String(poolName),
		AttrObjectType.String(objectType),
	}
}

// ModuleStateAttributes returns attributes for module lifecycle metrics.
func ModuleStateAttributes(environment, module, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrModule.String(module),
		AttrState.String(state),
	}
}

// RecoveryAttributes returns attributes for recovery supervisor metrics.
func RecoveryAttributes(environment, module, action, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrModule.String(module),
		AttrRecoveryAction.String(action),
		AttrResult.String(result),
	}
}

// CacheTierAttributes returns attributes for screenshot cache metrics.
func CacheTierAttributes(environment, tier string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTier.String(tier),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, module, code string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrModule.String(module),
		AttrErrorCode.String(code),
	}
}
