package session

import (
	"context"
	"errors"
	"time"

	"github.com/park285/chess-arena/pkg/wire"
)

// Color identifies a side of the board.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Other returns the opposite side.
func (c Color) Other() Color {
	if c == White {
		return Black
	}
	return White
}

// EndReason labels the single terminal transition of a session.
type EndReason string

const (
	ReasonCheckmate   EndReason = "checkmate"
	ReasonStalemate   EndReason = "stalemate"
	ReasonDraw        EndReason = "draw"
	ReasonDrawAgreed  EndReason = "draw_agreed"
	ReasonResignation EndReason = "resignation"
	ReasonTimeout     EndReason = "timeout"
	ReasonAbandonment EndReason = "abandonment"
	ReasonStorage     EndReason = "storage_failure"
)

// Conn abstracts one player's outbound channel. Sends are best-effort: a
// failed send marks the connection unreachable and never blocks game state.
type Conn interface {
	Send(ctx context.Context, env wire.Envelope) error
	Close()
}

// Player is one participant. The live Conn is never persisted; identity
// survives reconnects by ID alone.
type Player struct {
	ID    string
	Name  string
	Color Color
	Conn  Conn
}

// Config carries the per-session timing knobs.
type Config struct {
	TimeControl time.Duration
	Grace       time.Duration
	OfferRetry  time.Duration
	Retention   time.Duration
}

var ErrNotParticipant = errors.New("player not in session")
