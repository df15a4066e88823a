// Package adaptive implements the difficulty adjustment algorithm.
//
// Performance is tracked as an exponential moving average of +1 (correct) and
// -1 (wrong) signals. Difficulty rises only after a correct streak backed by a
// positive average and falls only after a wrong streak backed by a negative
// one. Every change starts a cooldown during which difficulty holds, so a
// single answer cannot flip it straight back.
package adaptive

import "fmt"

const (
	// Alpha is the EMA smoothing factor.
	Alpha = 0.2
	// MinStreakUp is the correct streak required before difficulty increases.
	MinStreakUp = 2
	// WrongBufferDown is the wrong streak required before difficulty decreases.
	WrongBufferDown = 2
	// EMAUpThreshold is the minimum EMA for an increase.
	EMAUpThreshold = 0.25
	// EMADownThreshold is the maximum EMA for a decrease.
	EMADownThreshold = -0.25
	// CooldownQuestions is how many answers hold difficulty after a change.
	CooldownQuestions = 2
)

// Signals is the adaptive portion of a session's state.
type Signals struct {
	Difficulty     int
	Streak         int
	WrongStreak    int
	EMAPerformance float64
	Cooldown       int
}

// Bounds is the inclusive difficulty range.
type Bounds struct {
	Min int
	Max int
}

// Validate checks that Min <= Max.
func (b Bounds) Validate() error {
	if b.Min > b.Max {
		return fmt.Errorf("difficulty bounds invalid: min %d > max %d", b.Min, b.Max)
	}
	return nil
}

// Contains reports whether d lies within the bounds.
func (b Bounds) Contains(d int) bool {
	return d >= b.Min && d <= b.Max
}

// Clamp forces d into the bounds.
func (b Bounds) Clamp(d int) int {
	if d < b.Min {
		return b.Min
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Step applies one answer outcome to prev and returns the new signals.
func Step(prev Signals, correct bool, b Bounds) Signals {
	signal := -1.0
	if correct {
		signal = 1.0
	}

	next := prev
	next.EMAPerformance = prev.EMAPerformance*(1-Alpha) + Alpha*signal

	if correct {
		next.Streak = prev.Streak + 1
		next.WrongStreak = 0
	} else {
		next.Streak = 0
		next.WrongStreak = prev.WrongStreak + 1
	}

	if prev.Cooldown > 0 {
		next.Cooldown = prev.Cooldown - 1
		next.Difficulty = b.Clamp(prev.Difficulty)
		return next
	}

	canIncrease := correct && next.Streak >= MinStreakUp && next.EMAPerformance >= EMAUpThreshold
	canDecrease := !correct && next.WrongStreak >= WrongBufferDown && next.EMAPerformance <= EMADownThreshold

	switch {
	case canIncrease:
		next.Difficulty = prev.Difficulty + 1
		next.Cooldown = CooldownQuestions
	case canDecrease:
		next.Difficulty = prev.Difficulty - 1
		next.Cooldown = CooldownQuestions
	}

	next.Difficulty = b.Clamp(next.Difficulty)
	return next
}
