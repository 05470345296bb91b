package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// PuzzleSource supplies (FEN, evaluation) pairs by position in a pool sorted
// from easiest to hardest.
type PuzzleSource interface {
	Count(ctx context.Context) (int, error)
	Puzzle(ctx context.Context, index int) (ChessPuzzle, error)
}

// httpPuzzleSource talks to the remote puzzle Lambda. Requests are paced so a
// burst of cache misses cannot hammer it.
type httpPuzzleSource struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPPuzzleSource(baseURL string, rps float64) *httpPuzzleSource {
	return &httpPuzzleSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (s *httpPuzzleSource) Count(ctx context.Context) (int, error) {
	var body struct {
		Count int `json:"count"`
	}
	if err := s.getJSON(ctx, s.baseURL+"/count", &body); err != nil {
		return 0, err
	}
	return body.Count, nil
}

func (s *httpPuzzleSource) Puzzle(ctx context.Context, index int) (ChessPuzzle, error) {
	var p ChessPuzzle
	if err := s.getJSON(ctx, fmt.Sprintf("%s/puzzles/%d", s.baseURL, index), &p); err != nil {
		return p, err
	}
	return p, nil
}

func (s *httpPuzzleSource) getJSON(ctx context.Context, url string, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("GET %s: %w", url, ErrPuzzleNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
