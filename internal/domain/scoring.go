package domain

import "math"

const (
	basePoints = 1000
	maxBonus   = 500
)

// Score maps answer latency to awarded points for a correct answer: a
// 1000-point base plus a speed bonus that decays linearly from 500 to 0
// across the time limit. Latency outside [0, limit] clamps to the nearest
// bound, so even an answer graded past the limit keeps the base award.
// Incorrect answers never reach this function; they award 0.
func Score(elapsedMs int64, limitSec int) int {
	limitMs := int64(limitSec) * 1000
	if limitMs <= 0 {
		return basePoints
	}
	clamped := elapsedMs
	if clamped < 0 {
		clamped = 0
	}
	if clamped > limitMs {
		clamped = limitMs
	}
	bonus := int(math.Round(maxBonus * (1 - float64(clamped)/float64(limitMs))))
	if bonus < 0 {
		bonus = 0
	}
	return basePoints + bonus
}
