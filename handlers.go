package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
)

func (s *Server) handleGetPuzzles(w http.ResponseWriter, r *http.Request) {
	date := s.queryDate(r)
	if !validDate(date) {
		writeError(w, http.StatusBadRequest, ErrInvalidDate.Error())
		return
	}
	if _, ok := s.allow(w, r, clientIP(r), PolicyPuzzles); !ok {
		return
	}

	set, err := s.puzzles.DailySet(r.Context(), date)
	if err != nil {
		s.logger.Error("failed to load daily puzzles", "date", date, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to load puzzles")
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string   `json:"username"`
		Date        string   `json:"date"`
		PuzzleIndex *int     `json:"puzzleIndex"`
		Guess       *float64 `json:"guess"`
		ActualEval  *float64 `json:"actualEval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PuzzleIndex == nil {
		writeError(w, http.StatusBadRequest, ErrInvalidPuzzleIndex.Error())
		return
	}
	if req.Guess == nil || req.ActualEval == nil {
		writeError(w, http.StatusBadRequest, ErrInvalidNumber.Error())
		return
	}

	sub := Submission{
		Username:    req.Username,
		Date:        req.Date,
		PuzzleIndex: *req.PuzzleIndex,
		Guess:       *req.Guess,
		ActualEval:  *req.ActualEval,
	}
	if err := sub.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Replays get their 409 before they can burn a rate-limit slot.
	done, err := s.ledger.AlreadySubmitted(r.Context(), sub.Date, sub.Username, sub.PuzzleIndex)
	if err != nil {
		s.logger.Error("failed to check submission", "username", sub.Username, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to submit guess")
		return
	}
	if done {
		writeError(w, http.StatusConflict, "You have already submitted this puzzle today")
		return
	}

	if _, ok := s.allow(w, r, sub.Username, PolicySubmitCooldown); !ok {
		return
	}
	daily, ok := s.allow(w, r, sub.Username+":"+sub.Date, PolicySubmitDaily)
	if !ok {
		return
	}

	result, err := s.ledger.Submit(r.Context(), sub)
	if err != nil {
		// Only accepted submissions count toward the daily cap.
		s.limiter.Release(r.Context(), daily)
	}
	switch {
	case errors.Is(err, ErrAlreadySubmitted):
		writeError(w, http.StatusConflict, "You have already submitted this puzzle today")
		return
	case err != nil:
		s.logger.Error("failed to submit guess", "username", sub.Username, "date", sub.Date, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to submit guess")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"score":            result.Score,
		"totalScore":       result.TotalScore,
		"puzzlesCompleted": result.PuzzlesCompleted,
	})
}

func (s *Server) handleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date := s.queryDate(r)
	if !validDate(date) {
		writeError(w, http.StatusBadRequest, ErrInvalidDate.Error())
		return
	}

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, ErrInvalidLimit.Error())
			return
		}
		limit = n
	}

	// A malformed username cannot be on the board, so it is simply not looked up.
	username := q.Get("username")
	if !validUsername(username) {
		username = ""
	}

	if _, ok := s.allow(w, r, clientIP(r), PolicyLeaderboard); !ok {
		return
	}

	page, err := s.board.Top(r.Context(), date, limit, username)
	if err != nil {
		s.logger.Error("failed to read leaderboard", "date", date, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to get leaderboard")
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"leaderboard":  page.Entries,
		"userRank":     page.UserEntry,
		"totalPlayers": page.TotalPlayers,
		"date":         date,
	})
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	date := s.queryDate(r)
	username := r.URL.Query().Get("username")
	if !validDate(date) {
		writeError(w, http.StatusBadRequest, ErrInvalidDate.Error())
		return
	}
	if !validUsername(username) {
		writeError(w, http.StatusBadRequest, ErrInvalidUsername.Error())
		return
	}
	if _, ok := s.allow(w, r, clientIP(r), PolicyLeaderboard); !ok {
		return
	}

	state, err := s.ledger.State(r.Context(), date, username)
	if err != nil {
		s.logger.Error("failed to read progress", "username", username, "date", date, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to get progress")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()).Err(); err != nil {
		s.logger.Warn("health check: cache unreachable", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "cache unavailable"})
		return
	}
	if p, ok := s.source.(interface{ Ping(ctx context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.logger.Warn("health check: puzzle pool unreachable", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "puzzle pool unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "Not found")
}

// allow applies a rate-limit policy and writes the 429 itself when the request
// is over the limit.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, identity string, p RatePolicy) (RateLimitResult, bool) {
	res := s.limiter.Check(r.Context(), identity, p)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if res.Allowed {
		return res, true
	}

	secs := int(math.Ceil(res.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"success":    false,
		"error":      "Too many requests, please slow down",
		"retryAfter": secs,
	})
	return res, false
}

// queryDate returns the date query parameter, defaulting to today in UTC.
func (s *Server) queryDate(r *http.Request) string {
	if d := r.URL.Query().Get("date"); d != "" {
		return d
	}
	return s.now().UTC().Format("2006-01-02")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
