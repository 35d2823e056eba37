package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameOf(t *testing.T) {
	assert.Equal(t, ErrorName(""), NameOf(nil))
	assert.Equal(t, ErrInternalServer, NameOf(errors.New("plain failure")))
	assert.Equal(t, ErrMaxRounds, NameOf(NewError(ErrMaxRounds, "exceeded %d rounds", 3)))
}

func TestNameOfUnwraps(t *testing.T) {
	inner := NewError(ErrRateLimit, "slow down")
	wrapped := fmt.Errorf("calling inference: %w", inner)
	assert.Equal(t, ErrRateLimit, NameOf(wrapped))

	doubly := fmt.Errorf("round failed: %w", wrapped)
	assert.Equal(t, ErrRateLimit, NameOf(doubly))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "NotRunningError: no invocation abc", NewError(ErrNotRunning, "no invocation %s", "abc").Error())
	assert.Equal(t, "WarpShutdown", (&Error{Name: ErrWarpShutdown}).Error())
}
