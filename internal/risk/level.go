// Package risk provides the shared risk classification used by the
// governance detectors. All detector scores live on a 0-100 scale and
// map onto the same four bands so findings are comparable across
// detectors.
package risk

// Level represents the classification of risk
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// String returns the string representation of Level
func (l Level) String() string {
	return string(l)
}

// Band boundaries for the 0-100 score scale.
const (
	mediumThreshold   = 25
	highThreshold     = 50
	criticalThreshold = 75
)

// Clamp bounds a raw score to the [0,100] scale
func Clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// LevelForScore maps a clamped score onto a risk band
func LevelForScore(score int) Level {
	score = Clamp(score)
	switch {
	case score >= criticalThreshold:
		return LevelCritical
	case score >= highThreshold:
		return LevelHigh
	case score >= mediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}
