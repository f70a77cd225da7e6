package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(ErrorTypeValidation, "page count must be positive")

	assert.Equal(t, ErrorTypeValidation, err.Type)
	assert.Equal(t, "validation: page count must be positive", err.Error())
	assert.NotEmpty(t, err.Stack)
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("no contiguous pages at order 0")
	err := Wrap(cause, ErrorTypeOutOfMemory, "fresh allocation failed")

	assert.Equal(t, ErrorTypeOutOfMemory, err.Type)
	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "no contiguous pages")

	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "ignored"))
}

func TestWrapPreservesStack(t *testing.T) {
	inner := New(ErrorTypeMappingFailed, "mapping failed")
	outer := Wrap(inner, ErrorTypeInternal, "fill aborted")

	require.NotEmpty(t, outer.Stack)
	assert.Equal(t, inner.Stack, outer.Stack)
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeOutOfMemory, "allocation failed").
		WithDetail("requested_pages", int64(64)).
		WithDetail("caching", "wc")

	assert.Equal(t, int64(64), err.Details["requested_pages"])
	assert.Equal(t, "wc", err.Details["caching"])
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeOutOfMemory, "allocation failed")
	wrapped := fmt.Errorf("fill: %w", err)

	assert.True(t, IsType(err, ErrorTypeOutOfMemory))
	assert.True(t, IsType(wrapped, ErrorTypeOutOfMemory))
	assert.False(t, IsType(err, ErrorTypeValidation))
	assert.False(t, IsType(fmt.Errorf("plain"), ErrorTypeInternal))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeOutOfMemory, "oom")))
	assert.True(t, IsRetryable(New(ErrorTypeMappingFailed, "map")))
	assert.False(t, IsRetryable(New(ErrorTypeValidation, "bad input")))
	assert.False(t, IsRetryable(New(ErrorTypeInvariant, "double populate")))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
}
