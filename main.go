package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	store   redis.UniversalClient
	source  PuzzleSource
	router  *mux.Router
	puzzles *PuzzleService
	ledger  *Ledger
	board   *Leaderboard
	limiter *RateLimiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewServer wires every component against the given store and puzzle source.
func NewServer(cfg Config, store redis.UniversalClient, source PuzzleSource, logger *slog.Logger) *Server {
	board := NewLeaderboard(store, logger)
	s := &Server{
		store:   store,
		source:  source,
		router:  mux.NewRouter(),
		puzzles: NewPuzzleService(store, source, cfg.FetchRetryDelay, logger),
		ledger:  NewLedger(store, board, logger),
		board:   board,
		limiter: NewRateLimiter(store, cfg.IdentitySalt, logger),
		logger:  logger,
		now:     time.Now,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestLogger)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)

	s.router.HandleFunc("/puzzles", s.handleGetPuzzles).Methods("GET")
	s.router.HandleFunc("/submit", s.handleSubmit).Methods("POST")
	s.router.HandleFunc("/leaderboard", s.handleGetLeaderboard).Methods("GET")
	s.router.HandleFunc("/progress", s.handleGetProgress).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// statusWriter captures the response status and size for request logging.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		s.logger.Info("http",
			"id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"bytes", sw.bytes,
			"dur", time.Since(start).Round(time.Millisecond),
		)
	})
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	rdb := newRedisClient(cfg)
	defer rdb.Close()

	var source PuzzleSource
	if cfg.PuzzleSourceURL != "" {
		source = newHTTPPuzzleSource(cfg.PuzzleSourceURL, cfg.UpstreamRPS)
		logger.Info("using remote puzzle source", "url", cfg.PuzzleSourceURL)
	} else {
		db, err := initDB(cfg.DatabasePath, logger)
		if err != nil {
			logger.Error("failed to initialize database", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		source = newSQLitePuzzleSource(db)
		logger.Info("using local puzzle pool", "path", cfg.DatabasePath)
	}

	server := NewServer(cfg, rdb, source, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("server starting", "port", cfg.Port, "redis", cfg.RedisAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
