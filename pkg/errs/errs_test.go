package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindFundsShortfall, KindOf(New(KindFundsShortfall, "need %s", "100")))
	assert.Equal(t, KindSystem, KindOf(errors.New("plain")))
	assert.Equal(t, KindSystem, KindOf(Wrap(errors.New("io"), "failed to write")))

	// Kinds survive wrapping in plain %w chains.
	inner := New(KindConflict, "order already filled")
	outer := fmt.Errorf("settle: %w", inner)
	assert.Equal(t, KindConflict, KindOf(outer))
	assert.True(t, Is(outer, KindConflict))
	assert.False(t, Is(outer, KindValidation))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, "failed to publish")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "SYSTEM_ERROR")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "insufficient balance", UserMessage(New(KindFundsShortfall, "insufficient balance")))

	// System details never leak to users.
	sys := Wrap(errors.New("pq: connection reset"), "failed to settle")
	assert.Equal(t, "internal error, please try again later", UserMessage(sys))
	assert.Equal(t, "internal error, please try again later", UserMessage(errors.New("raw")))
}
