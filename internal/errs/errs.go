// Package errs provides structured error types and helpers shared across the
// Skelly-Jelly core modules.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies a module-specific error category.
type Code string

const (
	// CodeBusClosed indicates a publish or subscribe call was made against a closed bus.
	CodeBusClosed Code = "bus_closed"
	// CodeQueueFull indicates a subscriber's bounded queue rejected a message under backpressure.
	CodeQueueFull Code = "queue_full"
	// CodeSubscriberCrashed indicates a subscriber handler panicked during dispatch.
	CodeSubscriberCrashed Code = "subscriber_crashed"
	// CodeLateEvent indicates an event arrived after its window had already closed.
	CodeLateEvent Code = "late_event"
	// CodeDiskFull indicates a storage write failed because the device is out of space.
	CodeDiskFull Code = "disk_full"
	// CodeWriteTimeout indicates a storage write did not complete within its deadline.
	CodeWriteTimeout Code = "write_timeout"
	// CodeStoreCorruption indicates the event store detected inconsistent on-disk state.
	CodeStoreCorruption Code = "store_corruption"
	// CodeTempWriteFailed indicates the screenshot cache failed to spill a blob to disk.
	CodeTempWriteFailed Code = "temp_write_failed"
	// CodeReadAfterExpiry indicates a cache read targeted an entry whose TTL has already passed.
	CodeReadAfterExpiry Code = "read_after_expiry"
	// CodeDependencyNotReady indicates a module's declared dependency has not reached Running.
	CodeDependencyNotReady Code = "dependency_not_ready"
	// CodeStartupTimeout indicates a module failed to reach Running within its start timeout.
	CodeStartupTimeout Code = "startup_timeout"
	// CodeHealthCheckFailed indicates a module's periodic health probe reported unhealthy.
	CodeHealthCheckFailed Code = "health_check_failed"
	// CodeResourceLimitExceeded indicates system resource usage crossed a configured budget.
	CodeResourceLimitExceeded Code = "resource_limit_exceeded"
	// CodeRecoveryExhausted indicates the recovery supervisor exhausted its restart budget for a module.
	CodeRecoveryExhausted Code = "recovery_exhausted"
	// CodeConfigInvalid indicates a configuration document failed validation.
	CodeConfigInvalid Code = "config_invalid"
	// CodeCycleDetected indicates the module registry found a dependency cycle.
	CodeCycleDetected Code = "cycle_detected"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the core stack.
type E struct {
	Component string
	Code      Code
	Message   string
	Module    string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithModule records which module the error concerns, for registry and
// supervisor errors that are not component-local.
func WithModule(module string) Option {
	trimmed := strings.TrimSpace(module)
	return func(e *E) {
		e.Module = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "core"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Module != "" {
		parts = append(parts, "module="+e.Module)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err carries the given code, unwrapping through a chain
// of standard library wrapped errors.
func Is(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*E); ok {
			return e.Code == code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
