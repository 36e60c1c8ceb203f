package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/park285/chess-arena/internal/archive"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/rules"
	"github.com/park285/chess-arena/internal/store"
	"go.uber.org/zap"
)

// Registry owns every live session in this process and maps players to
// them. It also reconstructs sessions from the store after a restart, so a
// reconnecting player lands back in their game.
type Registry struct {
	oracle  rules.Oracle
	store   *store.Store
	archive *archive.Repository
	cfg     Config

	mu       sync.RWMutex
	sessions map[string]*Session
	byPlayer map[string]*Session
}

func NewRegistry(oracle rules.Oracle, st *store.Store, cfg Config) *Registry {
	return &Registry{
		oracle:   oracle,
		store:    st,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		byPlayer: make(map[string]*Session),
	}
}

// AttachArchive wires an optional results sink; finished games are written
// through it.
func (r *Registry) AttachArchive(repo *archive.Repository) {
	r.archive = repo
}

// CreateSession pairs two players into a new session and starts it. The
// first argument takes white.
func (r *Registry) CreateSession(ctx context.Context, white, black *Player) (*Session, error) {
	id := fmt.Sprintf("game-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
	s := newSession(id, white, black, r.oracle, r.store, r.archive, r.cfg, r.detach)

	r.mu.Lock()
	r.sessions[id] = s
	r.byPlayer[white.ID] = s
	r.byPlayer[black.ID] = s
	r.mu.Unlock()

	if err := r.store.LinkPlayer(ctx, white.ID, id); err != nil {
		obslog.L().Warn("player_link_error", zap.String("game_id", id), zap.Error(err))
	}
	if err := r.store.LinkPlayer(ctx, black.ID, id); err != nil {
		obslog.L().Warn("player_link_error", zap.String("game_id", id), zap.Error(err))
	}

	if err := s.Start(ctx); err != nil {
		r.detach(id)
		return nil, fmt.Errorf("start session %s: %w", id, err)
	}
	return s, nil
}

// Get returns the live session by id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Live returns the in-memory session a player belongs to, or nil.
func (r *Registry) Live(playerID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byPlayer[playerID]
}

// Resolve finds the player's session, falling back to the store when this
// process has no live copy (restart recovery). Reconstructed sessions are
// registered and their clock resumes; ended ones stay unregistered and only
// serve the final snapshot.
func (r *Registry) Resolve(ctx context.Context, playerID string) (*Session, error) {
	if s := r.Live(playerID); s != nil {
		return s, nil
	}

	id, err := r.store.ResolvePlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	rec, err := r.store.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	r.mu.Lock()
	if s := r.byPlayer[playerID]; s != nil { // lost the race to another resolve
		r.mu.Unlock()
		return s, nil
	}
	s := restoreSession(rec, r.oracle, r.store, r.archive, r.cfg, r.detach)
	if rec.Active {
		r.sessions[s.ID] = s
		r.byPlayer[rec.WhiteID] = s
		r.byPlayer[rec.BlackID] = s
	}
	r.mu.Unlock()

	if rec.Active {
		s.resume()
		obslog.L().Info("session_restored",
			zap.String("game_id", s.ID),
			zap.Int("move_count", rec.MoveCount),
		)
	}
	return s, nil
}

// detach drops a finished session from the in-memory maps. The store record
// lives on for the retention window; player links expire on their own TTL.
func (r *Registry) detach(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	for pid, ps := range r.byPlayer {
		if ps == s {
			delete(r.byPlayer, pid)
		}
	}
}

// Stats is a point-in-time census for the ops endpoint.
type Stats struct {
	ActiveSessions int `json:"active_sessions"`
	Players        int `json:"players"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{ActiveSessions: len(r.sessions), Players: len(r.byPlayer)}
}

// Shutdown stops every session's timers without ending the games; persisted
// state lets the next process pick them up.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.Suspend()
	}
	obslog.L().Info("registry_shutdown", zap.Int("suspended", len(all)))
}
