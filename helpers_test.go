package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// deadStore returns a client pointing at a server that has already stopped.
func deadStore(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// testClock is a settable time source.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeSource is an in-memory PuzzleSource that can be told to fail.
type fakeSource struct {
	mu         sync.Mutex
	pool       []ChessPuzzle
	countErr   error
	failTimes  map[int]int // failures left per index, -1 fails forever
	countCalls int
	fetches    map[int]int
}

func newFakeSource(n int) *fakeSource {
	pool := make([]ChessPuzzle, n)
	for i := range pool {
		pool[i] = ChessPuzzle{
			FEN:        builtinPuzzles[i%len(builtinPuzzles)].FEN,
			Eval:       i * 10,
			Difficulty: builtinPuzzles[i%len(builtinPuzzles)].Difficulty,
		}
	}
	return &fakeSource{pool: pool, failTimes: map[int]int{}, fetches: map[int]int{}}
}

var errUpstreamDown = errors.New("upstream down")

func (f *fakeSource) Count(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countCalls++
	if f.countErr != nil {
		return 0, f.countErr
	}
	return len(f.pool), nil
}

func (f *fakeSource) Puzzle(ctx context.Context, index int) (ChessPuzzle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[index]++
	if f.failTimes[index] != 0 {
		if f.failTimes[index] > 0 {
			f.failTimes[index]--
		}
		return ChessPuzzle{}, errUpstreamDown
	}
	if index < 0 || index >= len(f.pool) {
		return ChessPuzzle{}, ErrPuzzleNotFound
	}
	return f.pool[index], nil
}

func (f *fakeSource) totalFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.fetches {
		n += c
	}
	return n
}

// stageSummary writes a leaderboard entry the way an accepted submission does.
func stageSummary(t *testing.T, rdb *redis.Client, board *Leaderboard, summary DailySummary) {
	t.Helper()
	ctx := context.Background()
	data, err := json.Marshal(summary)
	if err != nil {
		t.Fatalf("marshal summary: %v", err)
	}
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, summaryKey(summary.Date, summary.Username), data, dayTTL)
		board.stage(ctx, pipe, summary)
		return nil
	})
	if err != nil {
		t.Fatalf("stage %s: %v", summary.Username, err)
	}
}

var errStoreFault = errors.New("injected store fault")

// storeHook fails chosen commands and can run a callback once right after a
// command completes, to interleave another writer at a precise point.
type storeHook struct {
	mu    sync.Mutex
	fail  map[string]bool
	after map[string]func()
}

func hookStore(rdb *redis.Client) *storeHook {
	h := &storeHook{fail: map[string]bool{}, after: map[string]func(){}}
	rdb.AddHook(h)
	return h
}

func (h *storeHook) setFail(name string, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail[name] = on
}

func (h *storeHook) afterOnce(name string, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.after[name] = fn
}

func (h *storeHook) failing(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fail[name]
}

func (h *storeHook) takeAfter(name string) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn := h.after[name]
	delete(h.after, name)
	return fn
}

func (h *storeHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *storeHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if h.failing(cmd.Name()) {
			cmd.SetErr(errStoreFault)
			return errStoreFault
		}
		err := next(ctx, cmd)
		if fn := h.takeAfter(cmd.Name()); fn != nil {
			fn()
		}
		return err
	}
}

func (h *storeHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			if h.failing(cmd.Name()) {
				cmd.SetErr(errStoreFault)
				return errStoreFault
			}
		}
		return next(ctx, cmds)
	}
}
