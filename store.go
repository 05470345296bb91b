package main

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dayTTL        = 7 * 24 * time.Hour
	submissionTTL = 30 * 24 * time.Hour
)

func newRedisClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func dailyPuzzlesKey(date string) string {
	return "dailyPuzzles:" + date
}

func submissionKey(date, username string, puzzleIndex int) string {
	return fmt.Sprintf("submission:%s:%s:%d", date, username, puzzleIndex)
}

func userScoreKey(date, username string) string {
	return fmt.Sprintf("userScore:%s:%s", date, username)
}

func completedKey(date, username string) string {
	return fmt.Sprintf("completed:%s:%s", date, username)
}

func summaryKey(date, username string) string {
	return fmt.Sprintf("summary:%s:%s", date, username)
}

func leaderboardKey(date string) string {
	return "leaderboard:" + date
}

func rateLimitKey(class, identity string) string {
	return fmt.Sprintf("ratelimit:%s:%s", class, identity)
}
