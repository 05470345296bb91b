package main

import (
	"fmt"
	"strconv"
)

// dateSeedPrime is odd, so multiplication by it is a bijection mod 2^32 and
// distinct dates can never share a seed.
const dateSeedPrime = 2654435761

// Generator is a Mulberry32 stream. The same seed always yields the same
// sequence, which is what lets every process agree on the daily puzzles.
type Generator struct {
	state uint32
}

func NewGenerator(seed int32) *Generator {
	return &Generator{state: uint32(seed)}
}

// Next returns the next value in [0, 1).
func (g *Generator) Next() float64 {
	g.state += 0x6D2B79F5
	t := g.state
	t = (t ^ (t >> 15)) * (t | 1)
	t ^= t + (t^(t>>7))*(t|61)
	return float64(t^(t>>14)) / 4294967296
}

// SeedFromDate folds the numeric groups of a YYYY-MM-DD string into a seed.
// Month 13 or day 32 are accepted; only the shape is checked.
func SeedFromDate(date string) (int32, error) {
	if !validDate(date) {
		return 0, fmt.Errorf("seed from %q: %w", date, ErrInvalidDate)
	}
	year, _ := strconv.Atoi(date[0:4])
	month, _ := strconv.Atoi(date[5:7])
	day, _ := strconv.Atoi(date[8:10])

	n := uint32(year*10000 + month*100 + day)
	return int32(n * dateSeedPrime), nil
}

// SelectIndices picks one index from each quarter of [0, poolSize). With a
// pool sorted by difficulty every day gets one puzzle per difficulty band.
func SelectIndices(date string, poolSize int) ([PuzzlesPerDay]int, error) {
	var out [PuzzlesPerDay]int
	if poolSize < PuzzlesPerDay {
		return out, fmt.Errorf("select indices for pool of %d: %w", poolSize, ErrPoolTooSmall)
	}
	seed, err := SeedFromDate(date)
	if err != nil {
		return out, err
	}

	rng := NewGenerator(seed)
	for q := 0; q < PuzzlesPerDay; q++ {
		start := q * poolSize / PuzzlesPerDay
		end := (q + 1) * poolSize / PuzzlesPerDay
		out[q] = start + int(rng.Next()*float64(end-start))
	}
	return out, nil
}
