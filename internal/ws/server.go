package ws

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/park285/chess-arena/internal/match"
	"github.com/park285/chess-arena/internal/media"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/session"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Server accepts player websockets and hands each one to a dispatcher.
type Server struct {
	reg   *session.Registry
	mm    *match.Matchmaker
	media media.Relay
}

func NewServer(reg *session.Registry, mm *match.Matchmaker, relay media.Relay) *Server {
	if relay == nil {
		relay = media.NopRelay{}
	}
	return &Server{reg: reg, mm: mm, media: relay}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.Error(err))
		return
	}

	playerID := strings.TrimSpace(r.URL.Query().Get("player_id"))
	if playerID == "" {
		playerID = uuid.NewString()
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = "guest-" + playerID[:min(8, len(playerID))]
	}

	obslog.L().Info("ws_open",
		zap.String("player_id", playerID),
		zap.String("name", name),
		zap.String("remote", r.RemoteAddr),
	)

	d := &dispatcher{
		srv:      s,
		raw:      c,
		conn:     newConn(c),
		playerID: playerID,
		name:     name,
	}
	d.run(r.Context())
}
