package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// StartingFEN is the standard initial position.
const StartingFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// ErrIllegalMove marks a move rejected by the rules engine. State is
// guaranteed unchanged when it is returned.
var ErrIllegalMove = errors.New("illegal move")

// Terminal classifies a position reached after a move.
type Terminal string

const (
	TerminalNone      Terminal = ""
	TerminalCheckmate Terminal = "checkmate"
	TerminalStalemate Terminal = "stalemate"
	TerminalDraw      Terminal = "draw"
)

// Verdict is the oracle's answer for an accepted move.
type Verdict struct {
	UCI      string
	SAN      string
	FEN      string
	Check    bool
	Terminal Terminal
	// Winner is "white" or "black" on checkmate, empty otherwise.
	Winner string
	// Method is the engine's terminal method name (lowercased), empty while
	// the game continues.
	Method string
}

// Oracle validates candidate moves against a move history and reports
// terminal states. The session layer consumes it as an opaque collaborator.
type Oracle interface {
	Apply(movesUCI []string, input string) (*Verdict, error)
}

// ChessOracle implements Oracle on corentings/chess.
type ChessOracle struct{}

func NewChessOracle() *ChessOracle { return &ChessOracle{} }

// Apply replays the stored UCI history from the start position and applies
// input (UCI preferred, SAN fallback). Returns ErrIllegalMove when the
// engine rejects the move.
func (o *ChessOracle) Apply(movesUCI []string, input string) (*Verdict, error) {
	game, err := replay(movesUCI)
	if err != nil {
		return nil, err
	}
	pos := game.Position()

	raw := strings.TrimSpace(input)
	if raw == "" {
		return nil, ErrIllegalMove
	}

	var uci, san string
	notationUCI := nchess.UCINotation{}
	if mv, derr := notationUCI.Decode(pos, strings.ToLower(raw)); derr == nil {
		if err := game.Move(mv, nil); err != nil {
			return nil, ErrIllegalMove
		}
		uci = strings.ToLower(raw)
		san = nchess.AlgebraicNotation{}.Encode(pos, mv)
	} else {
		if err := game.PushNotationMove(raw, nchess.AlgebraicNotation{}, nil); err != nil {
			return nil, ErrIllegalMove
		}
		last := lastMove(game)
		if last == nil {
			return nil, ErrIllegalMove
		}
		uci = last.String()
		san = nchess.AlgebraicNotation{}.Encode(pos, last)
	}

	v := &Verdict{
		UCI:   uci,
		SAN:   san,
		FEN:   game.FEN(),
		Check: strings.HasSuffix(san, "+") || strings.HasSuffix(san, "#"),
	}

	switch game.Outcome() {
	case nchess.WhiteWon:
		v.Terminal = TerminalCheckmate
		v.Winner = "white"
	case nchess.BlackWon:
		v.Terminal = TerminalCheckmate
		v.Winner = "black"
	case nchess.Draw:
		if strings.EqualFold(game.Method().String(), "stalemate") {
			v.Terminal = TerminalStalemate
		} else {
			v.Terminal = TerminalDraw
		}
	}
	if v.Terminal != TerminalNone {
		v.Method = strings.ToLower(game.Method().String())
	}
	return v, nil
}

// replay rebuilds a game by applying stored UCI moves from the start
// position. Applying a stored FEN instead can double-apply moves, so the
// history is the single source of truth.
func replay(moves []string) (*nchess.Game, error) {
	game := nchess.NewGame()
	notation := nchess.UCINotation{}
	for _, mv := range moves {
		move, err := notation.Decode(game.Position(), strings.ToLower(strings.TrimSpace(mv)))
		if err != nil {
			return nil, fmt.Errorf("decode move %s: %w", mv, err)
		}
		if err := game.Move(move, nil); err != nil {
			return nil, fmt.Errorf("apply move %s: %w", mv, err)
		}
	}
	return game, nil
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}
