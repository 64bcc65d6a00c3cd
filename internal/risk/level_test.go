package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelForScore(t *testing.T) {
	tests := []struct {
		score int
		want  Level
	}{
		{0, LevelLow},
		{24, LevelLow},
		{25, LevelMedium},
		{49, LevelMedium},
		{50, LevelHigh},
		{74, LevelHigh},
		{75, LevelCritical},
		{100, LevelCritical},
		{250, LevelCritical}, // clamped
		{-5, LevelLow},       // clamped
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelForScore(tt.score), "score %d", tt.score)
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0, Clamp(-1))
	assert.Equal(t, 100, Clamp(101))
	assert.Equal(t, 42, Clamp(42))
}
