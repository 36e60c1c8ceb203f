package ws

import (
	"context"
	"encoding/json"

	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/session"
	"github.com/park285/chess-arena/pkg/wire"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// dispatcher owns one player's read loop and routes each inbound envelope
// to the matchmaker, the player's session, or the media relay.
type dispatcher struct {
	srv      *Server
	raw      *websocket.Conn
	conn     *Conn
	playerID string
	name     string
}

func (d *dispatcher) run(ctx context.Context) {
	defer d.cleanup()
	for {
		var env wire.Envelope
		if err := wsjson.Read(ctx, d.raw, &env); err != nil {
			return
		}
		d.route(ctx, env)
	}
}

// cleanup runs when the read loop exits for any reason. A parked player is
// unqueued; an in-game player enters the grace period.
func (d *dispatcher) cleanup() {
	ctx := context.Background()
	if d.srv.mm.RemoveIfWaiting(ctx, d.playerID) {
		d.conn.Close()
		return
	}
	if s := d.srv.reg.Live(d.playerID); s != nil {
		s.HandleDisconnect(d.playerID, d.conn)
	}
	d.conn.Close()
	obslog.L().Info("ws_closed", zap.String("player_id", d.playerID))
}

func (d *dispatcher) route(ctx context.Context, env wire.Envelope) {
	switch {
	case env.Type == wire.TypeInitGame:
		d.handleInitGame(ctx)
	case env.Type == wire.TypeReconnect:
		d.handleReconnect(ctx)
	case env.Type == wire.TypeMove:
		var p wire.MovePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Move == "" {
			d.notifyError(ctx, "malformed move")
			return
		}
		if s := d.lookup(ctx); s != nil {
			s.SubmitMove(ctx, d.playerID, p.Move)
		}
	case env.Type == wire.TypeResign:
		if s := d.lookup(ctx); s != nil {
			s.Resign(ctx, d.playerID)
		}
	case env.Type == wire.TypeOfferDraw:
		if s := d.lookup(ctx); s != nil {
			s.OfferDraw(ctx, d.playerID)
		}
	case env.Type == wire.TypeMessage:
		var p wire.ChatPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Text == "" {
			return
		}
		if s := d.lookup(ctx); s != nil {
			s.Chat(d.playerID, p.Text)
		}
	case wire.IsSignaling(env.Type):
		if s := d.lookup(ctx); s != nil {
			s.ForwardSignal(ctx, d.playerID, env.Type, env.Payload)
		}
	case wire.IsMediaSetup(env.Type):
		sessionID := ""
		if s := d.lookup(ctx); s != nil {
			sessionID = s.ID
		}
		reply, err := d.srv.media.HandleSetup(ctx, sessionID, env.Type, env.Payload)
		if err != nil {
			obslog.L().Warn("media_setup_error", zap.String("kind", env.Type), zap.Error(err))
			d.notifyError(ctx, "media setup failed")
			return
		}
		_ = d.conn.Send(ctx, reply)
	default:
		obslog.L().Debug("ws_unknown_type", zap.String("type", env.Type))
		d.notifyError(ctx, "unknown message type")
	}
}

// handleInitGame enqueues the player, or hands back the current snapshot
// when they already belong to a session.
func (d *dispatcher) handleInitGame(ctx context.Context) {
	if s := d.lookup(ctx); s != nil && s.IsActive() {
		if err := s.Reconnect(ctx, d.playerID, d.conn); err != nil {
			d.notifyError(ctx, "reattach failed")
		}
		return
	}
	p := &session.Player{ID: d.playerID, Name: d.name, Conn: d.conn}
	if _, err := d.srv.mm.Enqueue(ctx, p); err != nil {
		obslog.L().Error("enqueue_error", zap.String("player_id", d.playerID), zap.Error(err))
		d.notifyError(ctx, "could not start a game")
	}
}

func (d *dispatcher) handleReconnect(ctx context.Context) {
	s, err := d.srv.reg.Resolve(ctx, d.playerID)
	if err != nil {
		obslog.L().Error("resolve_error", zap.String("player_id", d.playerID), zap.Error(err))
		d.notifyError(ctx, "lookup failed")
		return
	}
	if s == nil {
		d.notifyError(ctx, "no game to resume")
		return
	}
	if err := s.Reconnect(ctx, d.playerID, d.conn); err != nil {
		d.notifyError(ctx, "reattach failed")
	}
}

// lookup finds the player's session, consulting the store when the local
// registry has no copy.
func (d *dispatcher) lookup(ctx context.Context) *session.Session {
	if s := d.srv.reg.Live(d.playerID); s != nil {
		return s
	}
	s, err := d.srv.reg.Resolve(ctx, d.playerID)
	if err != nil {
		obslog.L().Warn("resolve_error", zap.String("player_id", d.playerID), zap.Error(err))
		return nil
	}
	return s
}

func (d *dispatcher) notifyError(ctx context.Context, msg string) {
	_ = d.conn.Send(ctx, wire.Make(wire.TypeError, wire.NoticePayload{Message: msg}))
}
