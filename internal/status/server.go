package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/session"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Server is the small ops sidecar: liveness plus a registry census. It runs
// on its own listener so probes never contend with player traffic.
type Server struct {
	reg     *session.Registry
	waiting func() string
	srv     *fasthttp.Server
	started time.Time
}

func NewServer(reg *session.Registry, waiting func() string) *Server {
	s := &Server{reg: reg, waiting: waiting, started: time.Now()}
	s.srv = &fasthttp.Server{
		Handler:      s.route,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Name:         "arena-status",
	}
	return s
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	case "/stats":
		s.handleStats(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	stats := s.reg.Stats()
	waiting := ""
	if s.waiting != nil {
		waiting = s.waiting()
	}
	body, err := json.Marshal(map[string]any{
		"active_sessions": stats.ActiveSessions,
		"players":         stats.Players,
		"waiting":         waiting != "",
		"uptime_sec":      int(time.Since(s.started).Seconds()),
	})
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	obslog.L().Info("status_listen", zap.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}
