package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Submission struct {
	Username    string
	Date        string
	PuzzleIndex int
	Guess       float64
	ActualEval  float64
}

func (s Submission) Validate() error {
	switch {
	case !validUsername(s.Username):
		return ErrInvalidUsername
	case !validDate(s.Date):
		return ErrInvalidDate
	case !validPuzzleIndex(s.PuzzleIndex):
		return ErrInvalidPuzzleIndex
	case !finite(s.Guess) || !finite(s.ActualEval):
		return ErrInvalidNumber
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Ledger records at most one attempt per (date, username, puzzleIndex). The
// SET NX on the submission key is the only authority on whether an attempt
// already happened.
type Ledger struct {
	store  redis.UniversalClient
	board  *Leaderboard
	logger *slog.Logger
	now    func() time.Time
}

func NewLedger(store redis.UniversalClient, board *Leaderboard, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		board:  board,
		logger: logger,
		now:    time.Now,
	}
}

func (l *Ledger) Submit(ctx context.Context, sub Submission) (SubmitResult, error) {
	if err := sub.Validate(); err != nil {
		return SubmitResult{}, err
	}

	now := l.now()
	guess := roundEval(sub.Guess)
	actual := roundEval(sub.ActualEval)
	attempt := PuzzleAttempt{
		PuzzleIndex: sub.PuzzleIndex,
		Guess:       guess,
		ActualEval:  actual,
		Score:       Score(guess, actual),
		Timestamp:   now.UnixMilli(),
	}
	data, err := json.Marshal(attempt)
	if err != nil {
		return SubmitResult{}, err
	}

	key := submissionKey(sub.Date, sub.Username, sub.PuzzleIndex)
	stored, err := l.store.SetNX(ctx, key, data, submissionTTL).Result()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("record submission %s: %w", key, err)
	}
	if !stored {
		return SubmitResult{}, ErrAlreadySubmitted
	}

	summary, err := l.settle(ctx, sub.Date, sub.Username, now)
	if err != nil {
		l.rollback(ctx, key)
		return SubmitResult{}, err
	}

	l.logger.Info("submission accepted",
		"username", sub.Username,
		"date", sub.Date,
		"puzzle", sub.PuzzleIndex,
		"score", attempt.Score,
		"total", summary.TotalScore,
	)
	return SubmitResult{
		Score:            attempt.Score,
		TotalScore:       summary.TotalScore,
		PuzzlesCompleted: summary.CompletedPuzzles,
	}, nil
}

// AlreadySubmitted is a read-only hint used to answer replays early. It is not
// authoritative; Submit still decides with SET NX.
func (l *Ledger) AlreadySubmitted(ctx context.Context, date, username string, puzzleIndex int) (bool, error) {
	n, err := l.store.Exists(ctx, submissionKey(date, username, puzzleIndex)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Attempts returns the recorded attempts for a user and date, ordered by puzzle index.
func (l *Ledger) Attempts(ctx context.Context, date, username string) ([]PuzzleAttempt, error) {
	return readAttempts(ctx, l.store, date, username)
}

type multiGetter interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

func attemptKeys(date, username string) []string {
	keys := make([]string, PuzzlesPerDay)
	for i := range keys {
		keys[i] = submissionKey(date, username, i)
	}
	return keys
}

func readAttempts(ctx context.Context, r multiGetter, date, username string) ([]PuzzleAttempt, error) {
	keys := attemptKeys(date, username)
	vals, err := r.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read attempts for %s on %s: %w", username, date, err)
	}

	attempts := make([]PuzzleAttempt, 0, PuzzlesPerDay)
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var a PuzzleAttempt
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

func (l *Ledger) State(ctx context.Context, date, username string) (DailyGameState, error) {
	state := DailyGameState{Username: username, Date: date}
	if !validUsername(username) {
		return state, ErrInvalidUsername
	}
	if !validDate(date) {
		return state, ErrInvalidDate
	}

	attempts, err := l.Attempts(ctx, date, username)
	if err != nil {
		return state, err
	}
	state.Attempts = attempts
	for _, a := range attempts {
		state.TotalScore += a.Score
	}
	state.Completed = len(attempts) == PuzzlesPerDay
	return state, nil
}

const settleAttempts = 5

var errSettleContention = errors.New("too many concurrent updates")

// settle recomputes the user's day from every per-puzzle record and writes the
// totals, summary and leaderboard entry in one transaction. The submission
// keys are watched, so a submission for another puzzle landing in between
// forces a recount instead of leaving a stale total behind.
func (l *Ledger) settle(ctx context.Context, date, username string, now time.Time) (DailySummary, error) {
	keys := attemptKeys(date, username)
	var summary DailySummary
	for i := 0; i < settleAttempts; i++ {
		err := l.store.Watch(ctx, func(tx *redis.Tx) error {
			attempts, err := readAttempts(ctx, tx, date, username)
			if err != nil {
				return err
			}
			summary = DailySummary{
				Username:         username,
				Date:             date,
				CompletedPuzzles: len(attempts),
				LastUpdated:      now.UnixMilli(),
			}
			for _, a := range attempts {
				summary.TotalScore += a.Score
			}
			data, err := json.Marshal(summary)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, userScoreKey(date, username), strconv.Itoa(summary.TotalScore), dayTTL)
				pipe.Set(ctx, completedKey(date, username), strconv.Itoa(summary.CompletedPuzzles), dayTTL)
				pipe.Set(ctx, summaryKey(date, username), data, dayTTL)
				l.board.stage(ctx, pipe, summary)
				return nil
			})
			return err
		}, keys...)
		switch {
		case err == nil:
			return summary, nil
		case errors.Is(err, redis.TxFailedErr):
			l.logger.Debug("standings changed underneath, recounting", "username", username, "date", date)
			continue
		default:
			return summary, fmt.Errorf("update standings for %s on %s: %w", username, date, err)
		}
	}
	return summary, fmt.Errorf("update standings for %s on %s: %w", username, date, errSettleContention)
}

// rollback frees the submission key after a failed update so the client can retry.
func (l *Ledger) rollback(ctx context.Context, key string) {
	if err := l.store.Del(ctx, key).Err(); err != nil {
		l.logger.Error("failed to roll back submission", "key", key, "err", err)
	}
}
