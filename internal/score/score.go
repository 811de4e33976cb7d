// Package score holds the speed-run point formula and duration display
// helpers. Everything here is a pure function of (score, total, elapsed),
// shared by solo results and by the duel ranking board.
package score

import "fmt"

const (
	pointsPerCorrect = 100
	bonusPerQuestion = 50
	penaltyPerSecond = 2

	// minDurationMs floors nonsensical elapsed times before the time
	// penalty is applied.
	minDurationMs = 1000
)

// SpeedRunPoints converts a graded result into ranking points: a flat
// award per correct answer plus a time bonus that decays with elapsed
// seconds. The bonus never goes below zero, so points are never negative.
func SpeedRunPoints(score, total int, durationMs int64) int64 {
	if durationMs <= 0 {
		durationMs = minDurationMs
	}
	seconds := durationMs / 1000

	bonus := int64(total)*bonusPerQuestion - seconds*penaltyPerSecond
	if bonus < 0 {
		bonus = 0
	}

	return int64(score)*pointsPerCorrect + bonus
}

// FormatDuration renders an elapsed time as "1m 23s" (or "45s" under a
// minute) for result screens.
func FormatDuration(durationMs int64) string {
	if durationMs < 0 {
		durationMs = 0
	}
	seconds := durationMs / 1000

	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
}
