package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInFlight(t *testing.T) {
	f := NewInFlight()
	assert.False(t, f.Held(7))

	assert.True(t, f.Hold(7))
	assert.False(t, f.Hold(7), "double hold is rejected")
	assert.True(t, f.Held(7))

	f.Release(7)
	assert.False(t, f.Held(7))
	assert.True(t, f.Hold(7), "holdable again after release")
}
