package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

func initDB(path string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := seedPuzzles(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS puzzles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fen TEXT NOT NULL UNIQUE,
		eval INTEGER NOT NULL,
		difficulty TEXT NOT NULL CHECK(difficulty IN ('easy', 'medium', 'hard', 'expert')),
		difficulty_rank INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_puzzles_order ON puzzles(difficulty_rank, id);
	`

	_, err := db.Exec(schema)
	return err
}

// builtinPuzzles is the starter pool, listed easiest first.
var builtinPuzzles = []ChessPuzzle{
	{FEN: "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1", Eval: 30, Difficulty: DifficultyEasy},
	{FEN: "4k3/8/8/8/8/8/8/3QK3 w - - 0 1", Eval: 950, Difficulty: DifficultyEasy},
	{FEN: "r3k3/8/8/8/8/8/8/4K3 w - - 0 1", Eval: -520, Difficulty: DifficultyEasy},
	{FEN: "6k1/5ppp/8/8/8/8/5PPP/3R2K1 w - - 0 1", Eval: 480, Difficulty: DifficultyEasy},

	{FEN: "r1bqkbnr/pppp1ppp/2n5/4p3/2B1P3/5N2/PPPP1PPP/RNBQK2R b KQkq - 3 3", Eval: 25, Difficulty: DifficultyMedium},
	{FEN: "r1bqkb1r/pppp1ppp/2n2n2/1B2p3/4P3/5N2/PPPP1PPP/RNBQ1RK1 b kq - 5 4", Eval: 20, Difficulty: DifficultyMedium},
	{FEN: "rnbqkb1r/1p2pppp/p2p1n2/8/3NP3/2N5/PPP2PPP/R1BQKB1R w KQkq - 0 6", Eval: 35, Difficulty: DifficultyMedium},
	{FEN: "8/5k2/8/8/3K4/8/4P3/8 w - - 0 1", Eval: 320, Difficulty: DifficultyMedium},

	{FEN: "rnbqkb1r/ppp2ppp/4pn2/3p4/2PP4/2N5/PP2PPPP/R1BQKBNR w KQkq - 2 4", Eval: 30, Difficulty: DifficultyHard},
	{FEN: "r2q1rk1/pp2bppp/2n1bn2/2pp4/3P4/2PBPN2/PP1N1PPP/R2QK2R w KQ - 4 9", Eval: 15, Difficulty: DifficultyHard},
	{FEN: "2r3k1/pp3ppp/4p3/3pP3/3P4/P4N2/1P3PPP/2R3K1 b - - 0 24", Eval: -10, Difficulty: DifficultyHard},
	{FEN: "r1b2rk1/2q1bppp/p2ppn2/1p6/3NP3/1BN1B3/PPPQ1PPP/R4RK1 w - - 0 12", Eval: 60, Difficulty: DifficultyHard},

	{FEN: "r1bq1rk1/ppp2ppp/2np1n2/2b1p3/2B1P3/2NP1N2/PPP2PPP/R1BQ1RK1 w - - 2 7", Eval: 20, Difficulty: DifficultyExpert},
	{FEN: "3r2k1/1p3pp1/p1p4p/8/1P6/P1N3P1/5P1P/6K1 w - - 0 30", Eval: 40, Difficulty: DifficultyExpert},
	{FEN: "r4rk1/1bq1bppp/p1n1pn2/1p6/3P4/P1NBBN2/1P2QPPP/R4RK1 w - - 4 15", Eval: -25, Difficulty: DifficultyExpert},
	{FEN: "8/8/1p2k3/p1p5/P1P1K3/1P6/8/8 w - - 0 45", Eval: 0, Difficulty: DifficultyExpert},
}

func seedPuzzles(db *sql.DB, logger *slog.Logger) error {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM puzzles").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil // Already seeded
	}

	if err := insertPuzzles(context.Background(), db, builtinPuzzles); err != nil {
		return err
	}
	logger.Info("puzzle pool seeded", "puzzles", len(builtinPuzzles))
	return nil
}

func insertPuzzles(ctx context.Context, db *sql.DB, puzzles []ChessPuzzle) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range puzzles {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO puzzles (fen, eval, difficulty, difficulty_rank) VALUES (?, ?, ?, ?)",
			p.FEN, p.Eval, string(p.Difficulty), p.Difficulty.rank(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert puzzle %q: %w", p.FEN, err)
		}
	}
	return tx.Commit()
}

// sqlitePuzzleSource serves the local pool ordered by difficulty.
type sqlitePuzzleSource struct {
	db *sql.DB
}

func newSQLitePuzzleSource(db *sql.DB) *sqlitePuzzleSource {
	return &sqlitePuzzleSource{db: db}
}

func (s *sqlitePuzzleSource) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM puzzles").Scan(&n)
	return n, err
}

func (s *sqlitePuzzleSource) Puzzle(ctx context.Context, index int) (ChessPuzzle, error) {
	var p ChessPuzzle
	var difficulty string
	err := s.db.QueryRowContext(ctx, `
		SELECT fen, eval, difficulty
		FROM puzzles
		ORDER BY difficulty_rank, id
		LIMIT 1 OFFSET ?
	`, index).Scan(&p.FEN, &p.Eval, &difficulty)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("puzzle %d: %w", index, ErrPuzzleNotFound)
	}
	if err != nil {
		return p, err
	}
	p.Difficulty = Difficulty(difficulty)
	return p, nil
}

func (s *sqlitePuzzleSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
