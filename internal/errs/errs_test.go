package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBuildsStructuredError(t *testing.T) {
	err := New("eventbus", CodeQueueFull,
		WithMessage("  subscriber queue full  "),
		WithModule(" data_capture "),
		WithField("depth", "1000"))

	require.Equal(t, "eventbus", err.Component)
	require.Equal(t, CodeQueueFull, err.Code)
	require.Equal(t, "subscriber queue full", err.Message)
	require.Equal(t, "data_capture", err.Module)
	require.Equal(t, "1000", err.Metadata["depth"])
}

func TestErrorStringIncludesCauseAndSortedMetadata(t *testing.T) {
	cause := errors.New("disk full")
	err := New("eventstore", CodeWriteTimeout,
		WithMessage("flush failed"),
		WithField("zebra", "2"),
		WithField("alpha", "1"),
		WithCause(cause))

	msg := err.Error()
	require.Contains(t, msg, "component=eventstore")
	require.Contains(t, msg, "code=write_timeout")
	require.Contains(t, msg, `message="flush failed"`)
	require.Contains(t, msg, `cause="disk full"`)

	alphaIdx := indexOf(msg, "alpha")
	zebraIdx := indexOf(msg, "zebra")
	require.Greater(t, zebraIdx, alphaIdx, "metadata keys must be sorted alphabetically")
}

func TestErrorOnNilReceiverDoesNotPanic(t *testing.T) {
	var err *E
	require.Equal(t, "<nil>", err.Error())
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := New("cache", CodeTempWriteFailed, WithCause(cause))
	require.Equal(t, cause, errors.Unwrap(err))
}

func TestIsMatchesCodeThroughWrapping(t *testing.T) {
	err := New("registry", CodeCycleDetected, WithMessage("cycle"))
	wrapped := fmt.Errorf("register module: %w", err)

	require.True(t, Is(wrapped, CodeCycleDetected))
	require.False(t, Is(wrapped, CodeNotFound))
}

func TestIsReturnsFalseForPlainErrors(t *testing.T) {
	require.False(t, Is(errors.New("plain"), CodeConflict))
	require.False(t, Is(nil, CodeConflict))
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
