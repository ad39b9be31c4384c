package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesByCode(t *testing.T) {
	err := ErrTimeout("validation", 5*time.Second)

	assert.True(t, errors.Is(err, ErrRequestTimeout))
	assert.False(t, errors.Is(err, ErrNoNodes))
	assert.Equal(t, "5s", err.Details["timeout"])
	assert.True(t, err.IsRetryable())
}

func TestErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("dial tcp: refused")
	err := ErrStore("save", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "STORE_ERROR")
	assert.Contains(t, err.Error(), "refused")

	wrapped := fmt.Errorf("resolve: %w", err)
	code, ok := CodeOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, ErrCodeStoreError, code)

	_, ok = CodeOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, NewError(ErrCodeNoNodes, "x").IsRetryable())
	assert.False(t, NewError(ErrCodeUnauthorized, "x").IsRetryable())
	assert.True(t, NewError(ErrCodeConnectionClosed, "x").IsRetryable())
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("add: %w", ErrNodeNotFound("a"))
	assert.True(t, IsCode(err, ErrCodeNodeNotFound))
	assert.False(t, IsCode(err, ErrCodeNodeExists))
	assert.False(t, IsCode(nil, ErrCodeNodeNotFound))
}
