package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// rankScale splits a sorted-set score into total (high digits) and a
// tie-breaker (low digits) so that ZREVRANGE puts the highest total first
// and, among equal totals, whoever reached it earliest. Every value stays an
// exact integer in float64.
const rankScale = 10_000_000_000_000

func rankScore(total int, updatedMillis int64) float64 {
	return float64(int64(total)*rankScale + (rankScale - updatedMillis))
}

func decodeRankScore(v float64) (total int, updatedMillis int64) {
	n := int64(v)
	return int(n / rankScale), rankScale - n%rankScale
}

// Leaderboard is one ranked set per date. Entries are only ever written as
// part of an accepted submission.
type Leaderboard struct {
	store  redis.Cmdable
	logger *slog.Logger
}

func NewLeaderboard(store redis.Cmdable, logger *slog.Logger) *Leaderboard {
	return &Leaderboard{store: store, logger: logger}
}

// stage queues the ranked-set update for summary on pipe.
func (b *Leaderboard) stage(ctx context.Context, pipe redis.Pipeliner, summary DailySummary) {
	key := leaderboardKey(summary.Date)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  rankScore(summary.TotalScore, summary.LastUpdated),
		Member: summary.Username,
	})
	pipe.Expire(ctx, key, dayTTL)
}

// Top reads the best limit entries for date. If username is given and ranked
// below the page, its entry is looked up separately.
func (b *Leaderboard) Top(ctx context.Context, date string, limit int, username string) (LeaderboardPage, error) {
	var page LeaderboardPage
	if !validDate(date) {
		return page, ErrInvalidDate
	}
	if limit < 1 || limit > 100 {
		return page, ErrInvalidLimit
	}

	key := leaderboardKey(date)
	var top *redis.ZSliceCmd
	var card *redis.IntCmd
	_, err := b.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		top = pipe.ZRevRangeWithScores(ctx, key, 0, int64(limit-1))
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return page, fmt.Errorf("read leaderboard %s: %w", date, err)
	}

	page.TotalPlayers = card.Val()
	page.Entries = make([]LeaderboardEntry, 0, len(top.Val()))
	for i, z := range top.Val() {
		page.Entries = append(page.Entries, entryFromZ(z, i+1))
	}

	for i := range page.Entries {
		if page.Entries[i].Username == username {
			e := page.Entries[i]
			page.UserEntry = &e
			break
		}
	}
	if username != "" && page.UserEntry == nil {
		e, err := b.lookup(ctx, key, username)
		if err != nil {
			return page, err
		}
		page.UserEntry = e
	}

	if err := b.fillCompleted(ctx, date, &page); err != nil {
		return page, err
	}
	return page, nil
}

func entryFromZ(z redis.Z, rank int) LeaderboardEntry {
	member, _ := z.Member.(string)
	total, updated := decodeRankScore(z.Score)
	return LeaderboardEntry{
		Rank:      rank,
		Username:  member,
		Score:     total,
		Timestamp: updated,
	}
}

func (b *Leaderboard) lookup(ctx context.Context, key, username string) (*LeaderboardEntry, error) {
	var rank *redis.IntCmd
	var score *redis.FloatCmd
	_, err := b.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		rank = pipe.ZRevRank(ctx, key, username)
		score = pipe.ZScore(ctx, key, username)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rank lookup for %s: %w", username, err)
	}
	e := entryFromZ(redis.Z{Score: score.Val(), Member: username}, int(rank.Val())+1)
	return &e, nil
}

// fillCompleted copies completed counts from the per-user summaries.
func (b *Leaderboard) fillCompleted(ctx context.Context, date string, page *LeaderboardPage) error {
	targets := make([]*LeaderboardEntry, 0, len(page.Entries)+1)
	for i := range page.Entries {
		targets = append(targets, &page.Entries[i])
	}
	if page.UserEntry != nil {
		targets = append(targets, page.UserEntry)
	}
	if len(targets) == 0 {
		return nil
	}

	keys := make([]string, len(targets))
	for i, e := range targets {
		keys[i] = summaryKey(date, e.Username)
	}
	vals, err := b.store.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("read summaries for %s: %w", date, err)
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var summary DailySummary
		if err := json.Unmarshal([]byte(raw), &summary); err != nil {
			b.logger.Warn("skipping unreadable summary", "key", keys[i], "err", err)
			continue
		}
		targets[i].CompletedPuzzles = summary.CompletedPuzzles
	}
	return nil
}
