package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndError(t *testing.T) {
	e := New(NotFound, "controller.GetJob", "job 123 not found")
	require.Equal(t, "controller.GetJob: job 123 not found", e.Error())
	require.Equal(t, NotFound, e.Kind)
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("bolt: key not found")
	e := Wrap(InternalError, "storage.GetNode", "bucket read failed", cause)
	require.ErrorIs(t, e, cause)
	require.Contains(t, e.Error(), "bolt: key not found")
}

func TestIsAndKindOf(t *testing.T) {
	e := New(AccessDenied, "assoc.Authorize", "coordinator lacks QoS")
	wrapped := fmt.Errorf("dispatch failed: %w", e)

	require.True(t, Is(wrapped, AccessDenied))
	require.False(t, Is(wrapped, NotFound))
	require.Equal(t, AccessDenied, KindOf(wrapped))
}

func TestKindOfNonTypedError(t *testing.T) {
	require.Equal(t, InternalError, KindOf(errors.New("plain")))
}

func TestRetryableOnlyForTemporaryFailure(t *testing.T) {
	require.True(t, Retryable(New(TemporaryFailure, "agent.Dispatch", "node unreachable")))
	require.False(t, Retryable(New(ConstraintViolation, "assoc.Add", "limit exceeded")))
	require.True(t, Temporary(New(TemporaryFailure, "agent.Dispatch", "timeout")))
}

func TestWireCodes(t *testing.T) {
	codes := map[Kind]int32{
		InvalidInput:        1,
		NotFound:             2,
		AccessDenied:         3,
		ConstraintViolation:  4,
		AlreadyDone:          5,
		TemporaryFailure:     6,
		ConfigurationError:   7,
		InternalError:        8,
		Shutdown:             9,
	}
	for kind, want := range codes {
		e := New(kind, "op", "msg")
		require.Equal(t, want, e.WireCode())
	}
}

func TestKindStringNonEmpty(t *testing.T) {
	for k := InvalidInput; k <= Shutdown; k++ {
		require.NotEqual(t, "unknown", k.String())
	}
}

func TestKindFromWireCodeRoundTrip(t *testing.T) {
	for k := InvalidInput; k <= Shutdown; k++ {
		e := New(k, "op", "msg")
		require.Equal(t, k, KindFromWireCode(e.WireCode()))
	}
}

func TestKindFromWireCodeUnknown(t *testing.T) {
	require.Equal(t, InternalError, KindFromWireCode(99))
}
