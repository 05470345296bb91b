package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port            string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	DatabasePath    string
	PuzzleSourceURL string
	UpstreamRPS     float64
	FetchRetryDelay time.Duration
	IdentitySalt    string
	LogLevel        slog.Level
}

func loadConfig() (Config, error) {
	cfg := Config{
		Port:            getenv("PORT", "8080"),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		DatabasePath:    getenv("DATABASE_PATH", "./chesserguesser.db"),
		PuzzleSourceURL: strings.TrimRight(os.Getenv("PUZZLE_SOURCE_URL"), "/"),
		IdentitySalt:    os.Getenv("IDENTITY_SALT"),
	}

	var err error
	if cfg.RedisDB, err = strconv.Atoi(getenv("REDIS_DB", "0")); err != nil {
		return cfg, fmt.Errorf("REDIS_DB: %w", err)
	}
	if cfg.UpstreamRPS, err = strconv.ParseFloat(getenv("UPSTREAM_RPS", "5"), 64); err != nil {
		return cfg, fmt.Errorf("UPSTREAM_RPS: %w", err)
	}
	if cfg.FetchRetryDelay, err = time.ParseDuration(getenv("FETCH_RETRY_DELAY", "250ms")); err != nil {
		return cfg, fmt.Errorf("FETCH_RETRY_DELAY: %w", err)
	}

	switch strings.ToLower(getenv("LOG_LEVEL", "info")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
