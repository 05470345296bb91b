package main

import "math"

const (
	// Evaluations within this band either way count as roughly equal.
	equalBand = 20

	// A miss of this many centipawns or more earns no accuracy points.
	maxMiss = 400

	participationPoints = 50

	// Evaluations are clamped to this many centipawns either way. Anything
	// beyond it is a forced mate for scoring purposes.
	evalLimit = 100_000
)

type side int

const (
	sideBlack side = iota - 1
	sideEqual
	sideWhite
)

func sideOf(eval int) side {
	switch {
	case eval > equalBand:
		return sideWhite
	case eval < -equalBand:
		return sideBlack
	default:
		return sideEqual
	}
}

// Score rates a guess against the hidden evaluation on a 0-100 scale.
// Picking the wrong side scores nothing; otherwise 50 points plus up to 50
// more, decaying linearly to zero at a 400cp miss.
func Score(guess, actual int) int {
	guess, actual = clampEval(guess), clampEval(actual)
	if sideOf(guess) != sideOf(actual) {
		return 0
	}
	diff := math.Abs(float64(actual - guess))
	accuracy := 1 - math.Min(diff/maxMiss, 1)
	return int(math.Round(participationPoints + (MaxPuzzleScore-participationPoints)*accuracy))
}

func clampEval(cp int) int {
	return min(max(cp, -evalLimit), evalLimit)
}

// roundEval converts a finite centipawn value to an int without ever leaving
// the clamped range, so huge inputs keep their sign.
func roundEval(cp float64) int {
	return int(math.Round(math.Min(math.Max(cp, -evalLimit), evalLimit)))
}
