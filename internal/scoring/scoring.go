// Package scoring computes the points awarded for an answer.
package scoring

import "math"

const (
	// StreakCap is the streak at which the multiplier stops growing.
	StreakCap = 7
	// StreakStep is the multiplier gained per streak step above 1.
	StreakStep = 0.15
	// AccuracyFloor is the accuracy factor at zero accuracy.
	AccuracyFloor = 0.6
	// AccuracyWeight scales session accuracy on top of the floor.
	AccuracyWeight = 0.4
	// PointsPerDifficulty is the base score per difficulty level.
	PointsPerDifficulty = 10
)

// Input holds the outcome of an answer with session counters already updated.
type Input struct {
	Correct            bool
	Difficulty         int
	StreakAfter        int
	TotalAnsweredAfter int
	TotalCorrectAfter  int
}

// Delta returns the non-negative score increment for in. Wrong answers score 0.
func Delta(in Input) int {
	if !in.Correct {
		return 0
	}

	base := float64(in.Difficulty * PointsPerDifficulty)

	capped := in.StreakAfter
	if capped > StreakCap {
		capped = StreakCap
	}
	streakMultiplier := 1 + float64(capped-1)*StreakStep

	accuracy := 0.0
	if in.TotalAnsweredAfter > 0 {
		accuracy = float64(in.TotalCorrectAfter) / float64(in.TotalAnsweredAfter)
	}
	accuracyFactor := AccuracyFloor + AccuracyWeight*accuracy

	// Half-up rounding.
	delta := int(math.Floor(base*streakMultiplier*accuracyFactor + 0.5))
	if delta < 0 {
		return 0
	}
	return delta
}
