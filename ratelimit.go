package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

// RatePolicy is a sliding-window limit for one endpoint class.
type RatePolicy struct {
	Class       string
	MaxRequests int
	Window      time.Duration
}

var (
	// One submission every two seconds per user.
	PolicySubmitCooldown = RatePolicy{Class: "submit", MaxRequests: 1, Window: 2 * time.Second}

	// One submission per puzzle per day.
	PolicySubmitDaily = RatePolicy{Class: "submit-daily", MaxRequests: PuzzlesPerDay, Window: 24 * time.Hour}

	PolicyLeaderboard = RatePolicy{Class: "leaderboard", MaxRequests: 30, Window: time.Minute}
	PolicyPuzzles     = RatePolicy{Class: "puzzles", MaxRequests: 20, Window: time.Minute}
)

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration

	// set on allowed results so the slot can be released
	key    string
	member string
}

// RateLimiter keeps one sorted set of request timestamps per identity and
// policy class. Stale entries are pruned on every check.
type RateLimiter struct {
	store  redis.Cmdable
	salt   string
	logger *slog.Logger
	now    func() time.Time
}

func NewRateLimiter(store redis.Cmdable, salt string, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		store:  store,
		salt:   salt,
		logger: logger,
		now:    time.Now,
	}
}

// slidingWindow prunes entries older than the cutoff, counts the survivors and
// records the new member only when there is room, all in one step on the
// server. Returns {allowed, count before this request, oldest entry millis}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)
local oldestAt = tonumber(ARGV[1])
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest > 0 then
	oldestAt = tonumber(oldest[2])
end
if count >= tonumber(ARGV[3]) then
	return {0, count, oldestAt}
end
redis.call('ZADD', key, ARGV[1], ARGV[4])
redis.call('PEXPIRE', key, ARGV[5])
return {1, count, oldestAt}
`)

// Check records a request for identity if it fits the policy. When the store
// cannot be reached the request is allowed.
func (l *RateLimiter) Check(ctx context.Context, identity string, p RatePolicy) RateLimitResult {
	key := l.key(p.Class, identity)
	now := l.now()
	nowMillis := now.UnixMilli()
	cutoff := now.Add(-p.Window).UnixMilli()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	vals, err := slidingWindow.Run(ctx, l.store, []string{key},
		strconv.FormatInt(nowMillis, 10),
		"("+strconv.FormatInt(cutoff, 10),
		p.MaxRequests,
		member,
		p.Window.Milliseconds(),
	).Int64Slice()
	if err == nil && len(vals) != 3 {
		err = fmt.Errorf("unexpected reply %v", vals)
	}
	if err != nil {
		return l.failOpen(key, p, now, err)
	}

	allowed, count := vals[0] == 1, int(vals[1])
	resetAt := time.UnixMilli(vals[2]).Add(p.Window)
	if !allowed {
		retry := resetAt.Sub(now)
		if retry <= 0 {
			retry = time.Millisecond
		}
		return RateLimitResult{
			Allowed:    false,
			Limit:      p.MaxRequests,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retry,
		}
	}

	return RateLimitResult{
		Allowed:   true,
		Limit:     p.MaxRequests,
		Remaining: p.MaxRequests - count - 1,
		ResetAt:   resetAt,
		key:       key,
		member:    member,
	}
}

// Release gives back a slot taken by an allowed Check, for requests that were
// admitted but did not go through.
func (l *RateLimiter) Release(ctx context.Context, res RateLimitResult) {
	if res.member == "" {
		return
	}
	if err := l.store.ZRem(ctx, res.key, res.member).Err(); err != nil {
		l.logger.Warn("failed to release rate limit slot", "key", res.key, "err", err)
	}
}

func (l *RateLimiter) failOpen(key string, p RatePolicy, now time.Time, err error) RateLimitResult {
	l.logger.Warn("rate limit store unavailable, failing open", "key", key, "err", err)
	return RateLimitResult{
		Allowed:   true,
		Limit:     p.MaxRequests,
		Remaining: p.MaxRequests,
		ResetAt:   now.Add(p.Window),
	}
}

// key hashes the identity so raw IPs never land in the cache.
func (l *RateLimiter) key(class, identity string) string {
	sum := blake2b.Sum256([]byte(l.salt + "\x00" + identity))
	return rateLimitKey(class, hex.EncodeToString(sum[:16]))
}
