// Package score implements the round scoring formula: a time-decayed base
// score plus a bonus for consecutive correct answers.
package score

import (
	"math"
	"time"
)

const (
	MaxScore       = 1000
	MinScore       = 100
	DecayPerSecond = 100
	StreakBonus    = 100

	// AnswerTimeout bounds how long a round waits for answers; time taken
	// is clamped to this window when scoring.
	AnswerTimeout = 30 * time.Second
)

// Result breaks a round score into its components.
type Result struct {
	BaseScore   int
	StreakBonus int
	TotalScore  int
}

// Calculate scores a single answer. streak is the player's streak before
// this round, so a first correct answer earns no bonus. An incorrect answer
// scores zero everywhere; the caller resets the streak.
func Calculate(isCorrect bool, timeTaken float64, streak int) Result {
	if !isCorrect {
		return Result{}
	}

	timeTaken = clamp(timeTaken, 0, AnswerTimeout.Seconds())
	base := int(math.Round(MaxScore - DecayPerSecond*timeTaken))
	if base < MinScore {
		base = MinScore
	}

	bonus := 0
	if streak > 0 {
		bonus = StreakBonus * streak
	}

	return Result{
		BaseScore:   base,
		StreakBonus: bonus,
		TotalScore:  base + bonus,
	}
}

// TimeTaken converts round-open and submission timestamps into the clamped
// seconds value the formula expects.
func TimeTaken(roundStart, submittedAt time.Time) float64 {
	return clamp(submittedAt.Sub(roundStart).Seconds(), 0, AnswerTimeout.Seconds())
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
