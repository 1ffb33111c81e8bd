package domain

import "time"

// ElapsedMs returns how long the current question has been running,
// excluding paused intervals. Every observer (host view, player view,
// scheduler, grading) must go through this one function so countdowns and
// the authoritative close decision agree.
//
// While paused the clock is frozen at paused_at; while running it tracks
// now. Both subtract the accumulated pause time. Negative results (clock
// skew) clamp to zero.
func ElapsedMs(s Session, now time.Time) int64 {
	if s.QuestionStartedAt == nil {
		return 0
	}
	ref := now
	if s.PausedAt != nil {
		ref = *s.PausedAt
	}
	elapsed := ref.Sub(*s.QuestionStartedAt).Milliseconds() - s.PauseAccumulatedMs
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// RemainingMs returns the time left on the question clock, never negative.
func RemainingMs(s Session, limitSec int, now time.Time) int64 {
	remaining := int64(limitSec)*1000 - ElapsedMs(s, now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AnswerElapsedMs is the pause-aware latency of an answer, measured from
// question start to the answer's durable insert, as grading sees it.
func AnswerElapsedMs(s Session, a Answer) int64 {
	if s.QuestionStartedAt == nil {
		return 0
	}
	elapsed := a.CreatedAt.Sub(*s.QuestionStartedAt).Milliseconds() - s.PauseAccumulatedMs
	if elapsed < 0 {
		return 0
	}
	return elapsed
}
