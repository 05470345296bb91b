package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestLedger(t *testing.T) (*Ledger, *Leaderboard, *testClock) {
	t.Helper()
	_, rdb := newTestStore(t)
	board := NewLeaderboard(rdb, discardLogger())
	clock := newTestClock()
	l := NewLedger(rdb, board, discardLogger())
	l.now = clock.Now
	return l, board, clock
}

func TestSubmissionValidate(t *testing.T) {
	ok := Submission{Username: "alice_1", Date: "2024-01-15", PuzzleIndex: 3, Guess: -50, ActualEval: 12.5}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid submission rejected: %v", err)
	}

	cases := []struct {
		name string
		edit func(*Submission)
		want error
	}{
		{"short username", func(s *Submission) { s.Username = "al" }, ErrInvalidUsername},
		{"long username", func(s *Submission) { s.Username = "abcdefghijklmnopqrstu" }, ErrInvalidUsername},
		{"username with space", func(s *Submission) { s.Username = "al ice" }, ErrInvalidUsername},
		{"bad date", func(s *Submission) { s.Date = "2024-1-15" }, ErrInvalidDate},
		{"negative index", func(s *Submission) { s.PuzzleIndex = -1 }, ErrInvalidPuzzleIndex},
		{"index too big", func(s *Submission) { s.PuzzleIndex = 4 }, ErrInvalidPuzzleIndex},
		{"NaN guess", func(s *Submission) { s.Guess = math.NaN() }, ErrInvalidNumber},
		{"infinite eval", func(s *Submission) { s.ActualEval = math.Inf(-1) }, ErrInvalidNumber},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := ok
			tc.edit(&s)
			if err := s.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSubmitOnceOnly(t *testing.T) {
	l, board, _ := newTestLedger(t)
	ctx := context.Background()
	sub := Submission{Username: "alice", Date: "2024-01-15", PuzzleIndex: 0, Guess: 100, ActualEval: 100}

	res, err := l.Submit(ctx, sub)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if res.Score != 100 || res.TotalScore != 100 || res.PuzzlesCompleted != 1 {
		t.Fatalf("first submit result = %+v", res)
	}

	sub.Guess = -300
	if _, err := l.Submit(ctx, sub); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("replay err = %v, want ErrAlreadySubmitted", err)
	}

	state, err := l.State(ctx, "2024-01-15", "alice")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.TotalScore != 100 || len(state.Attempts) != 1 || state.Attempts[0].Guess != 100 {
		t.Fatalf("replay changed state: %+v", state)
	}

	page, err := board.Top(ctx, "2024-01-15", 10, "")
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].Score != 100 || page.Entries[0].CompletedPuzzles != 1 {
		t.Fatalf("leaderboard after replay = %+v", page.Entries)
	}
}

func TestSubmitConcurrentReplays(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	sub := Submission{Username: "racer", Date: "2024-01-15", PuzzleIndex: 2, Guess: 40, ActualEval: 60}

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, conflicts := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Submit(ctx, sub)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrAlreadySubmitted):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if accepted != 1 || conflicts != 19 {
		t.Fatalf("accepted=%d conflicts=%d, want 1 and 19", accepted, conflicts)
	}
}

func TestSubmitOutOfOrderTotals(t *testing.T) {
	l, _, clock := newTestLedger(t)
	ctx := context.Background()

	guesses := []struct {
		index         int
		guess, actual float64
		score         int
	}{
		{3, -100, -100, 100},
		{1, 300, 100, 75},
		{0, 50, -50, 0},
		{2, 10, 0, 99},
	}
	total := 0
	for i, g := range guesses {
		clock.Advance(3 * time.Second)
		res, err := l.Submit(ctx, Submission{Username: "bob", Date: "2024-01-15", PuzzleIndex: g.index, Guess: g.guess, ActualEval: g.actual})
		if err != nil {
			t.Fatalf("submit %d: %v", g.index, err)
		}
		total += g.score
		if res.Score != g.score || res.TotalScore != total || res.PuzzlesCompleted != i+1 {
			t.Fatalf("submit %d: got %+v, want score %d total %d completed %d", g.index, res, g.score, total, i+1)
		}
	}

	state, err := l.State(ctx, "2024-01-15", "bob")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if !state.Completed || state.TotalScore != total {
		t.Fatalf("state = %+v", state)
	}
	for i, a := range state.Attempts {
		if a.PuzzleIndex != i {
			t.Fatalf("attempts out of order: %+v", state.Attempts)
		}
	}
}

func TestSubmitWritesKeys(t *testing.T) {
	mr, rdb := newTestStore(t)
	l := NewLedger(rdb, NewLeaderboard(rdb, discardLogger()), discardLogger())
	ctx := context.Background()

	if _, err := l.Submit(ctx, Submission{Username: "carol", Date: "2024-01-15", PuzzleIndex: 1, Guess: 0, ActualEval: 0}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if got, _ := mr.Get("userScore:2024-01-15:carol"); got != "100" {
		t.Fatalf("userScore = %q", got)
	}
	if got, _ := mr.Get("completed:2024-01-15:carol"); got != "1" {
		t.Fatalf("completed = %q", got)
	}
	if !mr.Exists("summary:2024-01-15:carol") {
		t.Fatal("summary missing")
	}
	if ttl := mr.TTL("submission:2024-01-15:carol:1"); ttl != submissionTTL {
		t.Fatalf("submission ttl = %v, want %v", ttl, submissionTTL)
	}
	for _, key := range []string{"userScore:2024-01-15:carol", "completed:2024-01-15:carol", "summary:2024-01-15:carol", "leaderboard:2024-01-15"} {
		if ttl := mr.TTL(key); ttl != dayTTL {
			t.Fatalf("%s ttl = %v, want %v", key, ttl, dayTTL)
		}
	}
}

func TestSubmitStoreDown(t *testing.T) {
	rdb := deadStore(t)
	l := NewLedger(rdb, NewLeaderboard(rdb, discardLogger()), discardLogger())
	_, err := l.Submit(context.Background(), Submission{Username: "dave", Date: "2024-01-15", PuzzleIndex: 0, Guess: 1, ActualEval: 1})
	if err == nil || errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("err = %v, want a store error", err)
	}
}

func TestSubmitHugeEvaluationsKeepTheirSide(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Submit(ctx, Submission{Username: "hugo", Date: "2024-01-15", PuzzleIndex: 0, Guess: 1e300, ActualEval: -500})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Score != 0 {
		t.Fatalf("white guess against black eval scored %d", res.Score)
	}

	res, err = l.Submit(ctx, Submission{Username: "hugo", Date: "2024-01-15", PuzzleIndex: 1, Guess: -1e300, ActualEval: -1e12})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Score != 100 {
		t.Fatalf("two crushing black evals scored %d, want 100", res.Score)
	}

	state, err := l.State(ctx, "2024-01-15", "hugo")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if a := state.Attempts[0]; a.Guess != evalLimit || a.ActualEval != -500 {
		t.Fatalf("stored attempt = %+v", a)
	}
}

func TestSubmitRollsBackOnStoreFault(t *testing.T) {
	mr, rdb := newTestStore(t)
	hook := hookStore(rdb)
	l := NewLedger(rdb, NewLeaderboard(rdb, discardLogger()), discardLogger())
	ctx := context.Background()
	sub := Submission{Username: "frank", Date: "2024-01-15", PuzzleIndex: 3, Guess: 40, ActualEval: 40}

	hook.setFail("mget", true)
	if _, err := l.Submit(ctx, sub); !errors.Is(err, errStoreFault) {
		t.Fatalf("err = %v, want the injected fault", err)
	}
	if mr.Exists("submission:2024-01-15:frank:3") {
		t.Fatal("submission key left behind after failed update")
	}

	hook.setFail("mget", false)
	res, err := l.Submit(ctx, sub)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Score != 100 || res.PuzzlesCompleted != 1 {
		t.Fatalf("retry result = %+v", res)
	}
}

func TestSubmitRecountsWhenAnotherPuzzleLandsMidUpdate(t *testing.T) {
	mr, rdb := newTestStore(t)
	hook := hookStore(rdb)
	board := NewLeaderboard(rdb, discardLogger())
	l := NewLedger(rdb, board, discardLogger())
	ctx := context.Background()

	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { other.Close() })

	// Right after the first recount reads the attempts, a second request
	// records puzzle 1 for the same player.
	hook.afterOnce("mget", func() {
		data, _ := json.Marshal(PuzzleAttempt{PuzzleIndex: 1, Guess: 300, ActualEval: 100, Score: 75})
		if err := other.SetNX(ctx, submissionKey("2024-01-15", "gina", 1), data, submissionTTL).Err(); err != nil {
			t.Errorf("concurrent SetNX: %v", err)
		}
	})

	res, err := l.Submit(ctx, Submission{Username: "gina", Date: "2024-01-15", PuzzleIndex: 0, Guess: 100, ActualEval: 100})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.TotalScore != 175 || res.PuzzlesCompleted != 2 {
		t.Fatalf("result = %+v, want total 175 over 2 puzzles", res)
	}
	if got, _ := mr.Get("userScore:2024-01-15:gina"); got != "175" {
		t.Fatalf("userScore = %q", got)
	}
	if got, _ := mr.Get("completed:2024-01-15:gina"); got != "2" {
		t.Fatalf("completed = %q", got)
	}
	page, err := board.Top(ctx, "2024-01-15", 10, "")
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].Score != 175 || page.Entries[0].CompletedPuzzles != 2 {
		t.Fatalf("leaderboard = %+v", page.Entries)
	}
}

func TestSubmitConcurrentPuzzlesTotalUp(t *testing.T) {
	l, board, _ := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < PuzzlesPerDay; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			// Every puzzle scores 100.
			sub := Submission{Username: "hana", Date: "2024-01-15", PuzzleIndex: index, Guess: float64(index * 100), ActualEval: float64(index * 100)}
			if _, err := l.Submit(ctx, sub); err != nil {
				t.Errorf("submit %d: %v", index, err)
			}
		}(i)
	}
	wg.Wait()

	page, err := board.Top(ctx, "2024-01-15", 10, "hana")
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if page.UserEntry == nil || page.UserEntry.Score != 400 || page.UserEntry.CompletedPuzzles != 4 {
		t.Fatalf("final entry = %+v", page.UserEntry)
	}
}
