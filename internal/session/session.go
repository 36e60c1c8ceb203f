package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/park285/chess-arena/internal/archive"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/rules"
	"github.com/park285/chess-arena/internal/store"
	"github.com/park285/chess-arena/pkg/wire"
	"go.uber.org/zap"
)

const (
	sendTimeout  = 3 * time.Second
	storeTimeout = 5 * time.Second
)

// Session is one match between two players. It owns the position, the move
// count, both clocks, and the buffered-offer state; all mutation happens
// under its mutex (single writer at a time).
type Session struct {
	ID string

	cfg     Config
	oracle  rules.Oracle
	store   *store.Store
	archive *archive.Repository
	onEnd   func(sessionID string)

	mu          sync.Mutex
	white       *Player
	black       *Player
	fen         string
	movesUCI    []string
	moveCount   int
	whiteClock  int // committed seconds remaining
	blackClock  int
	turnStarted time.Time
	active      bool
	winner      Color
	reason      EndReason
	drawOffer   Color // side with an open draw offer, "" when none
	createdAt   time.Time

	tickerStop chan struct{}
	tickerOnce sync.Once
	graceTimer *time.Timer
	graceFor   string

	retryStop   chan struct{}
	retryActive bool
	flushM      sync.Mutex // serializes offer delivery passes
}

func newSession(id string, white, black *Player, oracle rules.Oracle, st *store.Store, arch *archive.Repository, cfg Config, onEnd func(string)) *Session {
	white.Color = White
	black.Color = Black
	clock := int(cfg.TimeControl.Seconds())
	return &Session{
		ID:         id,
		cfg:        cfg,
		oracle:     oracle,
		store:      st,
		archive:    arch,
		onEnd:      onEnd,
		white:      white,
		black:      black,
		fen:        rules.StartingFEN,
		movesUCI:   []string{},
		whiteClock: clock,
		blackClock: clock,
		active:     true,
		createdAt:  time.Now(),
		tickerStop: make(chan struct{}),
	}
}

// restoreSession rebuilds a session from its persisted record. Both
// connections start detached; callers attach them via Reconnect.
func restoreSession(rec *store.SessionRecord, oracle rules.Oracle, st *store.Store, arch *archive.Repository, cfg Config, onEnd func(string)) *Session {
	return &Session{
		ID:         rec.ID,
		cfg:        cfg,
		oracle:     oracle,
		store:      st,
		archive:    arch,
		onEnd:      onEnd,
		white:      &Player{ID: rec.WhiteID, Name: rec.WhiteName, Color: White},
		black:      &Player{ID: rec.BlackID, Name: rec.BlackName, Color: Black},
		fen:        rec.FEN,
		movesUCI:   append([]string{}, rec.MovesUCI...),
		moveCount:  rec.MoveCount,
		whiteClock: rec.WhiteClock,
		blackClock: rec.BlackClock,
		active:     rec.Active,
		winner:     Color(rec.Winner),
		reason:     EndReason(rec.Reason),
		createdAt:  time.Now(),
		tickerStop: make(chan struct{}),
	}
}

// Start persists the initial record, notifies both players, and starts the
// clock ticker.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnStarted = time.Now()
	if err := s.persistLocked(ctx); err != nil {
		return err
	}
	for _, p := range []*Player{s.white, s.black} {
		s.sendToLocked(p, wire.Make(wire.TypeInitGame, wire.InitGamePayload{
			Color:      string(p.Color),
			GameID:     s.ID,
			PlayerID:   p.ID,
			FEN:        s.fen,
			MoveCount:  s.moveCount,
			WhiteClock: s.whiteClock,
			BlackClock: s.blackClock,
			Opponent:   s.opponentLocked(p).Name,
		}))
	}
	go s.tickLoop()
	obslog.L().Info("session_start",
		zap.String("game_id", s.ID),
		zap.String("white_id", s.white.ID),
		zap.String("black_id", s.black.ID),
	)
	return nil
}

// resume restarts the clock ticker for a session reloaded from the store.
func (s *Session) resume() {
	s.mu.Lock()
	s.turnStarted = time.Now()
	active := s.active
	s.mu.Unlock()
	if active {
		go s.tickLoop()
	}
}

func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SubmitMove validates and applies one move for the acting player.
func (s *Session) SubmitMove(ctx context.Context, playerID, move string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.playerLocked(playerID)
	if p == nil {
		return
	}
	if !s.active {
		s.sendToLocked(p, wire.Make(wire.TypeError, wire.NoticePayload{Message: "game is over"}))
		return
	}
	if p.Color != s.sideToMoveLocked() {
		s.sendToLocked(p, wire.Envelope{Type: wire.TypeNotYourTurn})
		return
	}

	now := time.Now()
	w, b := s.remainingLocked(now)
	if (p.Color == White && w <= 0) || (p.Color == Black && b <= 0) {
		s.commitClocksLocked(w, b)
		s.endLocked(ctx, ReasonTimeout, p.Color.Other())
		return
	}

	v, err := s.oracle.Apply(s.movesUCI, move)
	if err != nil {
		if errors.Is(err, rules.ErrIllegalMove) {
			// both sides are told, matching the reference behavior
			notice := wire.Make(wire.TypeInvalidMove, wire.NoticePayload{Message: "invalid move"})
			s.sendToLocked(s.white, notice)
			s.sendToLocked(s.black, notice)
			return
		}
		obslog.L().Error("oracle_error", zap.String("game_id", s.ID), zap.Error(err))
		s.sendToLocked(p, wire.Make(wire.TypeError, wire.NoticePayload{Message: "move could not be processed"}))
		return
	}

	elapsed := int(now.Sub(s.turnStarted).Seconds())
	if p.Color == White {
		s.whiteClock = clampSec(s.whiteClock - elapsed)
	} else {
		s.blackClock = clampSec(s.blackClock - elapsed)
	}
	s.fen = v.FEN
	s.movesUCI = append(s.movesUCI, v.UCI)
	s.moveCount++
	s.turnStarted = now
	s.drawOffer = "" // any open draw offer lapses once a move is played

	// durable state first, wire notices second
	if err := s.persistLocked(ctx); err != nil {
		obslog.L().Error("session_persist_exhausted", zap.String("game_id", s.ID), zap.Error(err))
		s.endLocked(ctx, ReasonStorage, "")
		return
	}

	applied := wire.Make(wire.TypeMove, wire.MovePayload{
		Move:      v.UCI,
		SAN:       v.SAN,
		FEN:       v.FEN,
		MoveCount: s.moveCount,
		Check:     v.Check,
	})
	s.sendToLocked(s.white, applied)
	s.sendToLocked(s.black, applied)
	s.broadcastClockLocked(now)

	obslog.L().Info("session_move",
		zap.String("game_id", s.ID),
		zap.String("player_id", playerID),
		zap.String("uci", v.UCI),
		zap.Int("move_count", s.moveCount),
	)

	switch v.Terminal {
	case rules.TerminalCheckmate:
		s.endLocked(ctx, ReasonCheckmate, Color(v.Winner))
	case rules.TerminalStalemate:
		s.endLocked(ctx, ReasonStalemate, "")
	case rules.TerminalDraw:
		s.endLocked(ctx, ReasonDraw, "")
	}
}

// Resign ends the session with the opponent as winner.
func (s *Session) Resign(ctx context.Context, playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.playerLocked(playerID)
	if p == nil || !s.active {
		return
	}
	obslog.L().Info("session_resign", zap.String("game_id", s.ID), zap.String("player_id", playerID))
	s.endLocked(ctx, ReasonResignation, p.Color.Other())
}

// OfferDraw registers a draw offer. A counter-offer from the opponent while
// one is open accepts it and ends the session as a draw.
func (s *Session) OfferDraw(ctx context.Context, playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.playerLocked(playerID)
	if p == nil || !s.active {
		return
	}
	if s.drawOffer != "" && s.drawOffer != p.Color {
		s.endLocked(ctx, ReasonDrawAgreed, "")
		return
	}
	s.drawOffer = p.Color
	s.sendToLocked(s.opponentLocked(p), wire.Make(wire.TypeDrawOffered, wire.DrawOfferedPayload{From: string(p.Color)}))
}

// Chat relays a chat line to the opponent.
func (s *Session) Chat(playerID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.playerLocked(playerID)
	if p == nil {
		return
	}
	s.sendToLocked(s.opponentLocked(p), wire.Make(wire.TypeMessage, wire.ChatPayload{Text: text, Sender: p.Name}))
}

// HandleDisconnect detaches the player's connection and starts (or restarts)
// the grace-period timer. Game state is untouched until the timer fires.
// The report is scoped to the connection it came from: when the player has
// already reattached over a newer socket, the old socket's exit is ignored.
func (s *Session) HandleDisconnect(playerID string, conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.playerLocked(playerID)
	if p == nil {
		return
	}
	if p.Conn != nil && p.Conn != conn {
		obslog.L().Debug("stale_disconnect_ignored",
			zap.String("game_id", s.ID),
			zap.String("player_id", playerID),
		)
		return
	}
	p.Conn = nil
	if !s.active {
		return
	}
	s.armGraceLocked(playerID)
	obslog.L().Info("session_disconnect",
		zap.String("game_id", s.ID),
		zap.String("player_id", playerID),
		zap.Duration("grace", s.cfg.Grace),
	)
}

// Reconnect attaches a returning connection, cancels a pending forfeit for
// that player, and hands back the current snapshot. No game state changes.
func (s *Session) Reconnect(ctx context.Context, playerID string, conn Conn) error {
	s.mu.Lock()
	p := s.playerLocked(playerID)
	if p == nil {
		s.mu.Unlock()
		return ErrNotParticipant
	}
	p.Conn = conn
	if s.graceFor == playerID {
		s.stopGraceLocked()
	}
	if !s.active {
		s.sendToLocked(p, wire.Make(wire.TypeGameOver, wire.GameOverPayload{
			Winner:    string(s.winner),
			Reason:    string(s.reason),
			FEN:       s.fen,
			MoveCount: s.moveCount,
		}))
		s.mu.Unlock()
		return nil
	}
	now := time.Now()
	w, b := s.remainingLocked(now)
	s.sendToLocked(p, wire.Make(wire.TypeInitGame, wire.InitGamePayload{
		Color:      string(p.Color),
		GameID:     s.ID,
		PlayerID:   p.ID,
		FEN:        s.fen,
		MoveCount:  s.moveCount,
		WhiteClock: w,
		BlackClock: b,
		Opponent:   s.opponentLocked(p).Name,
		Resumed:    true,
	}))
	// a reloaded session may still be missing its other player
	if opp := s.opponentLocked(p); opp.Conn == nil && s.graceTimer == nil {
		s.armGraceLocked(opp.ID)
	}
	s.startOfferRetryLocked()
	s.mu.Unlock()

	obslog.L().Info("session_reconnect", zap.String("game_id", s.ID), zap.String("player_id", playerID))
	go s.flushOffersOnce()
	return nil
}

// ForwardSignal relays an opaque signaling message to the opponent. Offers
// for an unreachable peer are buffered and retried; answers and candidates
// are dropped (the media layer regenerates them).
func (s *Session) ForwardSignal(ctx context.Context, fromID, kind string, payload json.RawMessage) {
	s.mu.Lock()
	from := s.playerLocked(fromID)
	if from == nil {
		s.mu.Unlock()
		return
	}
	dest := s.opponentLocked(from)
	if s.sendToLocked(dest, wire.Envelope{Type: kind, Payload: payload}) {
		s.mu.Unlock()
		return
	}
	if kind != wire.TypeWebRTCOffer {
		s.mu.Unlock()
		obslog.L().Debug("signal_dropped", zap.String("game_id", s.ID), zap.String("kind", kind))
		return
	}
	destColor := dest.Color
	s.mu.Unlock()

	if err := s.store.AppendOffer(ctx, s.ID, string(destColor), payload); err != nil {
		obslog.L().Error("offer_buffer_error", zap.String("game_id", s.ID), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.startOfferRetryLocked()
	s.mu.Unlock()
	obslog.L().Info("offer_buffered", zap.String("game_id", s.ID), zap.String("dest", string(destColor)))
}

// Suspend stops this session's timers without ending the game; state is
// already persisted move by move, so a restarted process can reload it.
func (s *Session) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopClockLocked()
	s.stopGraceLocked()
	s.stopOfferRetryLocked()
}

// tickLoop drives the once-per-second clock until the session ends.
func (s *Session) tickLoop() {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-s.tickerStop:
			return
		case <-t.C:
			s.tick()
		}
	}
}

func (s *Session) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	now := time.Now()
	w, b := s.remainingLocked(now)
	side := s.sideToMoveLocked()
	if (side == White && w <= 0) || (side == Black && b <= 0) {
		s.commitClocksLocked(w, b)
		s.endLocked(context.Background(), ReasonTimeout, side.Other())
		return
	}
	s.broadcastClockLocked(now)
}

// endLocked is the single terminal transition. Idempotent: a second trigger
// after the session has ended is a no-op.
func (s *Session) endLocked(ctx context.Context, reason EndReason, winner Color) {
	if !s.active {
		return
	}
	now := time.Now()
	w, b := s.remainingLocked(now)
	s.active = false
	s.commitClocksLocked(w, b)
	s.reason = reason
	s.winner = winner

	s.stopClockLocked()
	s.stopGraceLocked()
	s.stopOfferRetryLocked()

	if err := s.persistLocked(ctx); err != nil {
		obslog.L().Error("final_persist_error", zap.String("game_id", s.ID), zap.Error(err))
	} else if err := s.store.ExpireEnded(ctx, s.ID, s.cfg.Retention); err != nil {
		obslog.L().Warn("retention_expire_error", zap.String("game_id", s.ID), zap.Error(err))
	}
	s.archiveLocked(ctx)

	over := wire.Make(wire.TypeGameOver, wire.GameOverPayload{
		Winner:    string(winner),
		Reason:    string(reason),
		FEN:       s.fen,
		MoveCount: s.moveCount,
	})
	s.sendToLocked(s.white, over)
	s.sendToLocked(s.black, over)

	obslog.L().Info("session_end",
		zap.String("game_id", s.ID),
		zap.String("reason", string(reason)),
		zap.String("winner", string(winner)),
		zap.Int("move_count", s.moveCount),
	)
	if s.onEnd != nil {
		go s.onEnd(s.ID)
	}
}

func (s *Session) archiveLocked(ctx context.Context) {
	if s.archive == nil {
		return
	}
	res := &archive.Result{
		GameID:    s.ID,
		WhiteID:   s.white.ID,
		WhiteName: s.white.Name,
		BlackID:   s.black.ID,
		BlackName: s.black.Name,
		Winner:    string(s.winner),
		Reason:    string(s.reason),
		FinalFEN:  s.fen,
		MovesUCI:  append([]string{}, s.movesUCI...),
		MoveCount: s.moveCount,
		StartedAt: s.createdAt,
		EndedAt:   time.Now(),
	}
	if err := s.archive.SaveResult(ctx, res); err != nil {
		obslog.L().Error("result_archive_error", zap.String("game_id", s.ID), zap.Error(err))
	}
}

// persistLocked saves the current record, retrying once before giving up.
func (s *Session) persistLocked(ctx context.Context) error {
	rec := s.recordLocked()
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	err := s.store.SaveSession(sctx, rec)
	if err == nil {
		return nil
	}
	obslog.L().Warn("session_persist_retry", zap.String("game_id", s.ID), zap.Error(err))
	time.Sleep(100 * time.Millisecond)
	rctx, rcancel := context.WithTimeout(ctx, storeTimeout)
	defer rcancel()
	return s.store.SaveSession(rctx, rec)
}

func (s *Session) recordLocked() *store.SessionRecord {
	return &store.SessionRecord{
		ID:         s.ID,
		WhiteID:    s.white.ID,
		WhiteName:  s.white.Name,
		BlackID:    s.black.ID,
		BlackName:  s.black.Name,
		FEN:        s.fen,
		MovesUCI:   append([]string{}, s.movesUCI...),
		MoveCount:  s.moveCount,
		Active:     s.active,
		WhiteClock: s.whiteClock,
		BlackClock: s.blackClock,
		Winner:     string(s.winner),
		Reason:     string(s.reason),
	}
}

// offer retry machinery

func (s *Session) startOfferRetryLocked() {
	if s.retryActive || !s.active {
		return
	}
	interval := s.cfg.OfferRetry
	if interval <= 0 {
		interval = 2 * time.Second
	}
	stop := make(chan struct{})
	s.retryStop = stop
	s.retryActive = true
	go s.offerRetryLoop(stop, interval)
}

func (s *Session) stopOfferRetryLocked() {
	if s.retryStop != nil {
		close(s.retryStop)
		s.retryStop = nil
	}
	s.retryActive = false
}

func (s *Session) offerRetryLoop(stop chan struct{}, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if s.flushOffersOnce() {
				s.mu.Lock()
				if s.retryStop == stop {
					s.retryStop = nil
					s.retryActive = false
				}
				s.mu.Unlock()
				return
			}
		}
	}
}

// flushOffersOnce attempts one delivery pass over both buffers and reports
// whether everything deliverable has been drained. Passes are mutually
// excluded so an overlapping retry tick and reconnect flush cannot both
// read a buffered offer before either removes it.
func (s *Session) flushOffersOnce() bool {
	s.flushM.Lock()
	defer s.flushM.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	empty := true
	for _, side := range []Color{White, Black} {
		s.mu.Lock()
		var conn Conn
		if p := s.playerByColorLocked(side); p != nil {
			conn = p.Conn
		}
		s.mu.Unlock()

		offers, err := s.store.Offers(ctx, s.ID, string(side))
		if err != nil {
			obslog.L().Warn("offer_list_error", zap.String("game_id", s.ID), zap.Error(err))
			empty = false
			continue
		}
		if len(offers) == 0 {
			continue
		}
		if conn == nil {
			empty = false
			continue
		}
		for _, raw := range offers {
			sctx, scancel := context.WithTimeout(ctx, sendTimeout)
			err := conn.Send(sctx, wire.Envelope{Type: wire.TypeWebRTCOffer, Payload: json.RawMessage(raw)})
			scancel()
			if err != nil {
				empty = false
				break
			}
			if err := s.store.RemoveOffer(ctx, s.ID, string(side), raw); err != nil {
				obslog.L().Warn("offer_remove_error", zap.String("game_id", s.ID), zap.Error(err))
			}
			obslog.L().Info("offer_delivered", zap.String("game_id", s.ID), zap.String("dest", string(side)))
		}
	}
	return empty
}

// timers

func (s *Session) armGraceLocked(playerID string) {
	s.stopGraceLocked()
	s.graceFor = playerID
	grace := s.cfg.Grace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	s.graceTimer = time.AfterFunc(grace, func() { s.forfeit(playerID) })
}

func (s *Session) stopGraceLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.graceFor = ""
}

func (s *Session) forfeit(playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	p := s.playerLocked(playerID)
	if p == nil || p.Conn != nil {
		return // reconnected in the meantime
	}
	obslog.L().Info("session_forfeit", zap.String("game_id", s.ID), zap.String("player_id", playerID))
	s.endLocked(context.Background(), ReasonAbandonment, p.Color.Other())
}

func (s *Session) stopClockLocked() {
	s.tickerOnce.Do(func() { close(s.tickerStop) })
}

// clocks

func (s *Session) sideToMoveLocked() Color {
	if s.moveCount%2 == 0 {
		return White
	}
	return Black
}

func (s *Session) remainingLocked(now time.Time) (int, int) {
	w, b := s.whiteClock, s.blackClock
	if s.active && !s.turnStarted.IsZero() {
		elapsed := int(now.Sub(s.turnStarted).Seconds())
		if s.sideToMoveLocked() == White {
			w -= elapsed
		} else {
			b -= elapsed
		}
	}
	return clampSec(w), clampSec(b)
}

func (s *Session) commitClocksLocked(w, b int) {
	s.whiteClock = clampSec(w)
	s.blackClock = clampSec(b)
}

func (s *Session) broadcastClockLocked(now time.Time) {
	w, b := s.remainingLocked(now)
	snap := wire.Make(wire.TypeClockUpdate, wire.ClockPayload{
		WhiteClock: w,
		BlackClock: b,
		ActiveSide: string(s.sideToMoveLocked()),
	})
	s.sendToLocked(s.white, snap)
	s.sendToLocked(s.black, snap)
}

func clampSec(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// participants

func (s *Session) playerLocked(id string) *Player {
	if s.white != nil && s.white.ID == id {
		return s.white
	}
	if s.black != nil && s.black.ID == id {
		return s.black
	}
	return nil
}

func (s *Session) playerByColorLocked(c Color) *Player {
	if c == White {
		return s.white
	}
	return s.black
}

func (s *Session) opponentLocked(p *Player) *Player {
	if p == s.white {
		return s.black
	}
	return s.white
}

// sendToLocked delivers best-effort; a failed send detaches the connection
// so buffering logic treats the peer as unreachable.
func (s *Session) sendToLocked(p *Player, env wire.Envelope) bool {
	if p == nil || p.Conn == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := p.Conn.Send(ctx, env); err != nil {
		obslog.L().Warn("send_failed",
			zap.String("game_id", s.ID),
			zap.String("player_id", p.ID),
			zap.Error(err),
		)
		p.Conn = nil
		return false
	}
	return true
}
