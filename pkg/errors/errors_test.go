package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDeveloper(t *testing.T) {
	err := NewDeveloperError("model %q misses a table", "res.partner")
	assert.True(t, IsDeveloper(err))
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), `model "res.partner" misses a table`)

	wrapped := fmt.Errorf("applying step: %w", err)
	assert.True(t, IsDeveloper(wrapped))
}

func TestIsNotFound(t *testing.T) {
	err := NewNotFoundError("group", "base.group_user")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsDeveloper(err))
	assert.Equal(t, "group 'base.group_user' not found", err.Error())

	anonymous := &NotFoundError{Resource: "view"}
	assert.Equal(t, "view not found", anonymous.Error())
}
