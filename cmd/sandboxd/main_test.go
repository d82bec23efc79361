package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeForConfigError(t *testing.T) {
	assert.Equal(t, 1, exitCodeFor(&configError{errors.New("bad config")}))
}

func TestExitCodeForRuntimeError(t *testing.T) {
	assert.Equal(t, 2, exitCodeFor(&runtimeError{errors.New("provider init failed")}))
}

func TestExitCodeForUnknownErrorDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, exitCodeFor(errors.New("something else")))
}
