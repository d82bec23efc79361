package apierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	plain := New(ClassInput, CodeInvalidEntrypoint, "entrypoint required")
	assert.Equal(t, "INVALID_ENTRYPOINT: entrypoint required", plain.Error())

	cause := errors.New("dial tcp: connection refused")
	wrapped := Wrap(ClassBackendTransient, CodeUnexpectedResponse, "get task status", cause)
	assert.Contains(t, wrapped.Error(), "get task status")
	assert.Contains(t, wrapped.Error(), "connection refused")
	assert.ErrorIs(t, wrapped, cause)
}

func TestAsAndIsNotFound(t *testing.T) {
	err := NotFound("sandbox sbx-1 not found")
	apiErr, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, ClassNotFound, apiErr.Class)
	assert.True(t, IsNotFound(err))

	assert.False(t, IsNotFound(Input(CodeInvalidParameter, "bad request")))

	_, ok = As(errors.New("plain error"))
	assert.False(t, ok)
}

func TestConstructorShorthands(t *testing.T) {
	assert.Equal(t, ClassInput, Input(CodeInvalidParameter, "x").Class)
	assert.Equal(t, ClassConflict, Conflict(CodeDuplicateVolumeName, "x").Class)
	assert.Equal(t, ClassInternal, Internal("x", errors.New("boom")).Class)
}
