package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	appcfg "github.com/park285/chess-arena/internal/config"
	"github.com/park285/chess-arena/internal/archive"
	"github.com/park285/chess-arena/internal/match"
	"github.com/park285/chess-arena/internal/media"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/rules"
	"github.com/park285/chess-arena/internal/session"
	"github.com/park285/chess-arena/internal/status"
	"github.com/park285/chess-arena/internal/store"
	"github.com/park285/chess-arena/internal/ws"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	st, err := store.NewStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("store init error: %v", err)
	}
	defer st.Close()

	reg := session.NewRegistry(rules.NewChessOracle(), st, session.Config{
		TimeControl: time.Duration(cfg.TimeControlSec) * time.Second,
		Grace:       time.Duration(cfg.GraceSec) * time.Second,
		OfferRetry:  time.Duration(cfg.OfferRetrySec) * time.Second,
		Retention:   time.Duration(cfg.RetentionSec) * time.Second,
	})

	if cfg.DatabaseURL != "" {
		repo, err := archive.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("archive init error: %v", err)
		}
		defer repo.Close()
		reg.AttachArchive(repo)
	}

	mm := match.New(reg, st)
	wsSrv := ws.NewServer(reg, mm, media.NopRelay{})
	statSrv := status.NewServer(reg, mm.Waiting)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           wsSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		obslog.L().Info("ws_listen", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return statSrv.ListenAndServe(cfg.StatusAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(sctx)
		_ = statSrv.Shutdown(sctx)
		reg.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		obslog.L().Error("server_error", zap.Error(err))
	}
	obslog.L().Info("server_stopped")
	_ = obslog.L().Sync()
}
