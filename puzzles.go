package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/corentings/chess/v2"
	"github.com/redis/go-redis/v9"
)

const fetchAttempts = 3

// degradedTTL caches a set holding fallback puzzles just long enough to spare
// the upstream a request storm while it is down.
const degradedTTL = time.Minute

// fallbackPuzzle stands in for any puzzle the upstream cannot deliver so a
// daily set always has four entries.
var fallbackPuzzle = ChessPuzzle{
	FEN:        "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
	Eval:       0,
	Difficulty: DifficultyEasy,
}

var errBadFEN = errors.New("malformed FEN")

// PuzzleService turns a date into its DailyPuzzleSet, caching realized sets.
// Concurrent first requests for a date may both hit the upstream; each writes
// the same deterministic set, so the last write wins harmlessly.
type PuzzleService struct {
	store      redis.Cmdable
	source     PuzzleSource
	retryDelay time.Duration
	logger     *slog.Logger
}

func NewPuzzleService(store redis.Cmdable, source PuzzleSource, retryDelay time.Duration, logger *slog.Logger) *PuzzleService {
	return &PuzzleService{
		store:      store,
		source:     source,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

func (s *PuzzleService) DailySet(ctx context.Context, date string) (DailyPuzzleSet, error) {
	if !validDate(date) {
		return DailyPuzzleSet{}, ErrInvalidDate
	}

	key := dailyPuzzlesKey(date)
	raw, err := s.store.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var set DailyPuzzleSet
		if err := json.Unmarshal(raw, &set); err == nil && len(set.Puzzles) == PuzzlesPerDay {
			return set, nil
		}
		s.logger.Warn("discarding unreadable cached puzzle set", "date", date)
	case errors.Is(err, redis.Nil):
	default:
		return DailyPuzzleSet{}, fmt.Errorf("read cached puzzles for %s: %w", date, err)
	}

	set, complete := s.materialize(ctx, date)
	ttl := dayTTL
	if !complete {
		ttl = degradedTTL
		s.logger.Warn("serving daily set with fallback puzzles", "date", date, "retry_in", ttl)
	}

	data, err := json.Marshal(set)
	if err != nil {
		return DailyPuzzleSet{}, err
	}
	if err := s.store.Set(ctx, key, data, ttl).Err(); err != nil {
		return DailyPuzzleSet{}, fmt.Errorf("cache puzzles for %s: %w", date, err)
	}
	if complete {
		s.logger.Info("daily puzzle set cached", "date", date, "seed", set.Seed)
	}
	return set, nil
}

// materialize fetches the date's puzzles from the upstream. complete is false
// when any slot had to be filled with the fallback.
func (s *PuzzleService) materialize(ctx context.Context, date string) (set DailyPuzzleSet, complete bool) {
	seed, _ := SeedFromDate(date)
	set = DailyPuzzleSet{Date: date, Seed: seed, Puzzles: make([]ChessPuzzle, PuzzlesPerDay)}

	poolSize, err := withRetry(ctx, s.retryDelay, func() (int, error) {
		return s.source.Count(ctx)
	})
	var indices [PuzzlesPerDay]int
	if err == nil {
		indices, err = SelectIndices(date, poolSize)
	}
	if err != nil {
		s.logger.Warn("puzzle pool unavailable", "date", date, "err", err)
		for i := range set.Puzzles {
			set.Puzzles[i] = fallbackPuzzle
		}
		return set, false
	}

	complete = true
	for i, idx := range indices {
		p, err := withRetry(ctx, s.retryDelay, func() (ChessPuzzle, error) {
			return s.fetchPuzzle(ctx, idx)
		})
		if err != nil {
			s.logger.Warn("puzzle fetch failed, using fallback", "date", date, "index", idx, "err", err)
			p = fallbackPuzzle
			complete = false
		}
		set.Puzzles[i] = p
	}
	return set, complete
}

func (s *PuzzleService) fetchPuzzle(ctx context.Context, index int) (ChessPuzzle, error) {
	p, err := s.source.Puzzle(ctx, index)
	if err != nil {
		return p, err
	}
	if _, err := chess.FEN(p.FEN); err != nil {
		return p, fmt.Errorf("puzzle %d: %w: %v", index, errBadFEN, err)
	}
	return p, nil
}

// withRetry runs fn up to fetchAttempts times with a fixed delay in between.
// Missing puzzles and bad FENs are not retried.
func withRetry[T any](ctx context.Context, delay time.Duration, fn func() (T, error)) (T, error) {
	var out T
	var err error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		out, err = fn()
		if err == nil || errors.Is(err, ErrPuzzleNotFound) || errors.Is(err, errBadFEN) {
			return out, err
		}
		if attempt == fetchAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(delay):
		}
	}
	return out, fmt.Errorf("after %d attempts: %w", fetchAttempts, err)
}
