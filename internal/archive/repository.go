package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Result is the final state of a finished match, archived for history.
type Result struct {
	GameID    string
	WhiteID   string
	WhiteName string
	BlackID   string
	BlackName string
	Winner    string // "white" | "black" | "" on draw
	Reason    string
	FinalFEN  string
	MovesUCI  []string
	MoveCount int
	StartedAt time.Time
	EndedAt   time.Time
}

// Repository persists finished matches into Postgres. Optional: a nil
// repository is a no-op sink.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts a final game result.
func (r *Repository) SaveResult(ctx context.Context, res *Result) error {
	if r == nil || r.db == nil || res == nil {
		return nil
	}
	movesRaw, err := json.Marshal(res.MovesUCI)
	if err != nil {
		return fmt.Errorf("marshal moves: %w", err)
	}
	duration := res.EndedAt.Sub(res.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	const q = `INSERT INTO arena_games (
	    game_id, white_id, white_name, black_id, black_name,
	    winner, reason, final_fen, moves_uci, move_count,
	    started_at, ended_at, duration_ms
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10,$11,$12,$13
	  ) ON CONFLICT (game_id) DO UPDATE SET
	    winner=EXCLUDED.winner,
	    reason=EXCLUDED.reason,
	    final_fen=EXCLUDED.final_fen,
	    moves_uci=EXCLUDED.moves_uci,
	    move_count=EXCLUDED.move_count,
	    ended_at=EXCLUDED.ended_at,
	    duration_ms=EXCLUDED.duration_ms`

	_, err = r.db.ExecContext(ctx, q,
		res.GameID, res.WhiteID, res.WhiteName, res.BlackID, res.BlackName,
		res.Winner, res.Reason, res.FinalFEN, movesRaw, res.MoveCount,
		res.StartedAt, res.EndedAt, duration,
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", res.GameID, err)
	}
	return nil
}
