package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrorsArePrefixed(t *testing.T) {
	sentinels := []error{
		ErrServiceRequired, ErrHandlerRequired, ErrTopologyLocked, ErrDeclined,
		ErrDuplicateEnrollment, ErrOutboxClosed, ErrUnitOfWorkNotStarted,
	}
	for _, err := range sentinels {
		assert.Contains(t, err.Error(), "courier: ")
	}
}

func TestConfigurationError(t *testing.T) {
	t.Run("cycle is rendered closed", func(t *testing.T) {
		err := &ConfigurationError{Reason: "cyclic ordering directives", Cycle: []string{"a", "b"}}
		assert.Equal(t, "courier: configuration error: cyclic ordering directives [a -> b -> a]", err.Error())
	})

	t.Run("wrapped error is unwrapped", func(t *testing.T) {
		inner := errors.New("boom")
		err := fmt.Errorf("build: %w", &ConfigurationError{Reason: "bad", Err: inner})
		assert.True(t, IsConfigurationError(err))
		assert.ErrorIs(t, err, inner)
	})

	t.Run("formatted constructor", func(t *testing.T) {
		err := NewConfigurationError("missing %q", "outbox")
		assert.Equal(t, `courier: configuration error: missing "outbox"`, err.Error())
		assert.False(t, IsConfigurationError(errors.New("plain")))
	})
}

func TestUnprocessableError(t *testing.T) {
	inner := errors.New("bad payload")
	err := Unprocessable("01H", inner)

	assert.True(t, IsUnprocessable(err))
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "courier: unprocessable message 01H: bad payload", err.Error())
	assert.Equal(t, "courier: unprocessable message: bad payload", Unprocessable("", inner).Error())
	assert.False(t, IsUnprocessable(inner))
}
