package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfThroughWrapping(t *testing.T) {
	err := fmt.Errorf("send audio: %w", NotReady("relay"))

	assert.Equal(t, KindNotReady, KindOf(err))
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.False(t, IsFatal(err))
}

func TestRetryable(t *testing.T) {
	transient := Transient("dial", errors.New("i/o timeout"))
	assert.True(t, transient.Retryable())

	exhausted := Exhausted("dial", 5, transient)
	assert.False(t, exhausted.Retryable())
	assert.True(t, IsFatal(exhausted))
	assert.Contains(t, exhausted.Error(), "gave up after 5 reconnect attempts")

	auth := Authentication("dial", errors.New("401"))
	assert.False(t, auth.Retryable())
	assert.True(t, IsFatal(auth))
}

func TestErrorString(t *testing.T) {
	err := Validation("decode", "missing type")
	assert.Equal(t, "decode: protocol_validation: missing type", err.Error())

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
