package main

import (
	"errors"
	"regexp"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
	DifficultyExpert Difficulty = "expert"
)

// rank orders difficulties from easiest to hardest; unknown values sort last.
func (d Difficulty) rank() int {
	switch d {
	case DifficultyEasy:
		return 0
	case DifficultyMedium:
		return 1
	case DifficultyHard:
		return 2
	case DifficultyExpert:
		return 3
	default:
		return 4
	}
}

type ChessPuzzle struct {
	FEN        string     `json:"fen"`
	Eval       int        `json:"eval"`
	Difficulty Difficulty `json:"difficulty,omitempty"`
}

type DailyPuzzleSet struct {
	Date    string        `json:"date"`
	Puzzles []ChessPuzzle `json:"puzzles"`
	Seed    int32         `json:"seed"`
}

type PuzzleAttempt struct {
	PuzzleIndex int   `json:"puzzleIndex"`
	Guess       int   `json:"guess"`
	ActualEval  int   `json:"actualEval"`
	Score       int   `json:"score"`
	Timestamp   int64 `json:"timestamp"` // unix millis
}

type DailyGameState struct {
	Username   string          `json:"username"`
	Date       string          `json:"date"`
	Attempts   []PuzzleAttempt `json:"attempts"`
	TotalScore int             `json:"totalScore"`
	Completed  bool            `json:"completed"`
}

type LeaderboardEntry struct {
	Rank             int    `json:"rank"`
	Username         string `json:"username"`
	Score            int    `json:"score"`
	CompletedPuzzles int    `json:"completedPuzzles"`
	Timestamp        int64  `json:"timestamp"`
}

// DailySummary is the per-user, per-day record written after each accepted submission.
type DailySummary struct {
	Username         string `json:"username"`
	Date             string `json:"date"`
	TotalScore       int    `json:"totalScore"`
	CompletedPuzzles int    `json:"completedPuzzles"`
	LastUpdated      int64  `json:"lastUpdated"`
}

type SubmitResult struct {
	Score            int `json:"score"`
	TotalScore       int `json:"totalScore"`
	PuzzlesCompleted int `json:"puzzlesCompleted"`
}

type LeaderboardPage struct {
	Entries      []LeaderboardEntry
	UserEntry    *LeaderboardEntry
	TotalPlayers int64
}

const (
	PuzzlesPerDay  = 4
	MaxPuzzleScore = 100
)

var (
	ErrInvalidDate        = errors.New("invalid date format, expected YYYY-MM-DD")
	ErrInvalidUsername    = errors.New("invalid username, expected 3-20 letters, digits or underscores")
	ErrInvalidPuzzleIndex = errors.New("puzzleIndex must be between 0 and 3")
	ErrInvalidNumber      = errors.New("guess and actualEval must be finite numbers")
	ErrInvalidLimit       = errors.New("limit must be between 1 and 100")
	ErrPoolTooSmall       = errors.New("puzzle pool must hold at least 4 puzzles")
	ErrAlreadySubmitted   = errors.New("puzzle already submitted for this date")
	ErrPuzzleNotFound     = errors.New("puzzle not found")
)

var (
	dateRe     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)
)

// validDate checks the YYYY-MM-DD shape only; calendar correctness is not enforced.
func validDate(date string) bool {
	return dateRe.MatchString(date)
}

func validUsername(username string) bool {
	return usernameRe.MatchString(username)
}

func validPuzzleIndex(i int) bool {
	return i >= 0 && i < PuzzlesPerDay
}
