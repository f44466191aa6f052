package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsWalksWrappedChain(t *testing.T) {
	inner := New(ElementNotFound, "element not found: %s", "#btn")
	outer := Wrap(ExecutionError, inner, "step 3")
	wrapped := fmt.Errorf("flow f1: %w", outer)

	assert.True(t, Is(wrapped, ExecutionError))
	assert.True(t, Is(wrapped, ElementNotFound))
	assert.False(t, Is(wrapped, StorageError))
	assert.Equal(t, ExecutionError, CodeOf(wrapped))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(StorageError, nil, "ignored"))
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(StorageError, errors.New("disk full"), "write tasks")
	assert.Equal(t, "write tasks: disk full", err.Error())
	assert.Equal(t, "NoActiveTab", (&Error{Code: NoActiveTab}).Error())
	assert.Equal(t, "", string(CodeOf(errors.New("plain"))))
}
