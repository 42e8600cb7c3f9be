package schema

import "time"

// MessageKind discriminates the payload carried by a bus Envelope.
type MessageKind string

const (
	MessageKindRawEvent            MessageKind = "raw_event"
	MessageKindEventBatch          MessageKind = "event_batch"
	MessageKindStateClassification MessageKind = "state_classification"
	MessageKindInterventionRequest MessageKind = "intervention_request"
	MessageKindModuleLifecycle     MessageKind = "module_lifecycle"
	MessageKindHealthReport        MessageKind = "health_report"
	MessageKindConfigUpdate        MessageKind = "config_update"
	MessageKindShutdown            MessageKind = "shutdown"
	MessageKindSubscriberLagging   MessageKind = "subscriber_lagging"
)

// StateClassification is the analysis engine's periodic judgement of the
// user's attentional state, published on the classification topic.
type StateClassification struct {
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
	State      string    `json:"state"`
	Confidence float64   `json:"confidence"`
}

// InterventionRequest asks the gamification module to surface a nudge.
type InterventionRequest struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Severity  string    `json:"severity"`
}

// ModuleLifecycleEvent announces a module's state transition on the control
// topic so the orchestrator and other modules can react.
type ModuleLifecycleEvent struct {
	Module    string      `json:"module"`
	From      ModuleState `json:"from"`
	To        ModuleState `json:"to"`
	Timestamp time.Time   `json:"timestamp"`
	Reason    string      `json:"reason,omitempty"`
}

// ConfigUpdate announces a live configuration change that subscribed modules
// should apply.
type ConfigUpdate struct {
	Section   string    `json:"section"`
	Timestamp time.Time `json:"timestamp"`
}

// ShutdownSignal announces an orderly shutdown request with a deadline by
// which subscribers must have drained.
type ShutdownSignal struct {
	Deadline time.Time `json:"deadline"`
	Reason   string    `json:"reason"`
}

// SubscriberLaggingEvent is published on the control topic whenever a
// subscriber's queue depth crosses its high-water mark, so the orchestrator
// can surface backpressure before messages start dropping.
type SubscriberLaggingEvent struct {
	ConsumerID string    `json:"consumer_id"`
	Kind       string    `json:"kind"`
	Depth      int       `json:"depth"`
	Capacity   int       `json:"capacity"`
	Timestamp  time.Time `json:"timestamp"`
}

// Envelope is the generic message wrapper carried over the bus. Exactly one
// payload field is populated, selected by Kind.
type Envelope struct {
	Kind  MessageKind `json:"kind"`
	Topic string      `json:"topic"`

	RawEvent             *RawEvent               `json:"raw_event,omitempty"`
	EventBatch           *EventBatch             `json:"event_batch,omitempty"`
	StateClassification  *StateClassification    `json:"state_classification,omitempty"`
	InterventionRequest  *InterventionRequest    `json:"intervention_request,omitempty"`
	ModuleLifecycleEvent *ModuleLifecycleEvent   `json:"module_lifecycle_event,omitempty"`
	HealthReport         *HealthReport           `json:"health_report,omitempty"`
	ConfigUpdate         *ConfigUpdate           `json:"config_update,omitempty"`
	ShutdownSignal       *ShutdownSignal         `json:"shutdown_signal,omitempty"`
	SubscriberLagging    *SubscriberLaggingEvent `json:"subscriber_lagging,omitempty"`
}
