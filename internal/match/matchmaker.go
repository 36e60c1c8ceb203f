package match

import (
	"context"
	"sync"
	"time"

	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/session"
	"github.com/park285/chess-arena/internal/store"
	"github.com/park285/chess-arena/pkg/wire"
	"go.uber.org/zap"
)

// Matchmaker holds at most one waiting player and pairs the next arrival
// with them. The slot is mirrored into the store so a restart never strands
// a stale waiting record.
type Matchmaker struct {
	reg *session.Registry
	st  *store.Store

	mu      sync.Mutex
	pending *session.Player
}

func New(reg *session.Registry, st *store.Store) *Matchmaker {
	return &Matchmaker{reg: reg, st: st}
}

// Enqueue parks the player when the slot is empty, or pairs them with the
// waiting one. The waiting player takes white. A repeat enqueue by the same
// player refreshes the slot instead of self-pairing.
func (m *Matchmaker) Enqueue(ctx context.Context, p *session.Player) (*session.Session, error) {
	m.mu.Lock()
	if m.pending == nil || m.pending.ID == p.ID {
		m.pending = p
		m.mu.Unlock()
		m.claimSlot(ctx, p.ID)
		obslog.L().Info("match_waiting", zap.String("player_id", p.ID))
		return nil, nil
	}
	white := m.pending
	m.pending = nil
	m.mu.Unlock()

	if err := m.st.ReleasePending(ctx); err != nil {
		obslog.L().Warn("pending_release_error", zap.Error(err))
	}

	s, err := m.reg.CreateSession(ctx, white, p)
	if err != nil {
		m.restoreWaiter(ctx, white)
		return nil, err
	}
	obslog.L().Info("match_paired",
		zap.String("game_id", s.ID),
		zap.String("white_id", white.ID),
		zap.String("black_id", p.ID),
	)
	return s, nil
}

// RemoveIfWaiting clears the slot when the parked player goes away. Reports
// whether that player was in fact waiting.
func (m *Matchmaker) RemoveIfWaiting(ctx context.Context, playerID string) bool {
	m.mu.Lock()
	if m.pending == nil || m.pending.ID != playerID {
		m.mu.Unlock()
		return false
	}
	m.pending = nil
	m.mu.Unlock()
	if err := m.st.ReleasePending(ctx); err != nil {
		obslog.L().Warn("pending_release_error", zap.Error(err))
	}
	obslog.L().Info("match_unqueued", zap.String("player_id", playerID))
	return true
}

// Waiting returns the id of the parked player, or "".
func (m *Matchmaker) Waiting() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return ""
	}
	return m.pending.ID
}

// restoreWaiter puts the original waiter back after a failed pairing. When
// another arrival took the slot in the failure window, the waiter is told
// to retry instead of being dropped silently.
func (m *Matchmaker) restoreWaiter(ctx context.Context, white *session.Player) {
	m.mu.Lock()
	if m.pending == nil {
		m.pending = white
		m.mu.Unlock()
		m.claimSlot(ctx, white.ID)
		obslog.L().Info("match_waiter_restored", zap.String("player_id", white.ID))
		return
	}
	m.mu.Unlock()

	if white.Conn != nil {
		nctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		_ = white.Conn.Send(nctx, wire.Make(wire.TypeError, wire.NoticePayload{
			Message: "matchmaking failed, please queue again",
		}))
	}
	obslog.L().Warn("match_waiter_displaced", zap.String("player_id", white.ID))
}

// claimSlot mirrors the in-memory slot into the store. A leftover claim
// from a previous process is overwritten, not honored.
func (m *Matchmaker) claimSlot(ctx context.Context, playerID string) {
	ok, err := m.st.ClaimPending(ctx, playerID)
	if err != nil {
		obslog.L().Warn("pending_claim_error", zap.Error(err))
		return
	}
	if !ok {
		if err := m.st.ReleasePending(ctx); err != nil {
			obslog.L().Warn("pending_release_error", zap.Error(err))
			return
		}
		if _, err := m.st.ClaimPending(ctx, playerID); err != nil {
			obslog.L().Warn("pending_claim_error", zap.Error(err))
		}
	}
}
