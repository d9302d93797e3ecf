package util

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name string
		x    string
		tick string
		want string
	}{
		{"round down", "100.42", "0.05", "100.40"},
		{"round up", "100.43", "0.05", "100.45"},
		{"already aligned", "100.45", "0.05", "100.45"},
		{"penny tick", "103.396", "0.01", "103.40"},
		{"zero tick passthrough", "100.42", "0", "100.42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToTick(d(tt.x), d(tt.tick))
			assert.True(t, d(tt.want).Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestFloorAndCeilToTick(t *testing.T) {
	assert.True(t, d("100.40").Equal(FloorToTick(d("100.44"), d("0.05"))))
	assert.True(t, d("100.45").Equal(CeilToTick(d("100.41"), d("0.05"))))
	// Aligned values are stable in both directions.
	assert.True(t, d("100.45").Equal(FloorToTick(d("100.45"), d("0.05"))))
	assert.True(t, d("100.45").Equal(CeilToTick(d("100.45"), d("0.05"))))
}

func TestApplyPct(t *testing.T) {
	assert.True(t, d("97.5").Equal(ApplyPct(d("100"), -2.5)))
	assert.True(t, d("108.15").Equal(ApplyPct(d("103"), 5.0)))
	assert.True(t, d("100.425").Equal(ApplyPct(d("103"), -2.5)))
}
