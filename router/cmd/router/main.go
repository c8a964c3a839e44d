package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/localvercel/pkg/artifact"
	"github.com/splax/localvercel/pkg/config"
	"github.com/splax/localvercel/pkg/controlplane"
	"github.com/splax/localvercel/pkg/logger"
	"github.com/splax/localvercel/pkg/svcauth"
	httpx "github.com/splax/localvercel/router/internal/http"
	"github.com/splax/localvercel/router/internal/proxy"
	"github.com/splax/localvercel/router/internal/resolver"
)

func main() {
	cfg, err := config.LoadRouterConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.New("router", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := artifact.NewMinioStore(cfg.Storage)
	if err != nil {
		log.Error("artifact store init failed", "error", err)
		os.Exit(1)
	}

	signer := svcauth.NewSigner("router", cfg.ControlPlane.TokenSecret, cfg.ControlPlane.TokenTTL)
	control, err := controlplane.New(cfg.ControlPlane.URL, signer, cfg.ControlPlane.Timeout)
	if err != nil {
		log.Error("control plane client init failed", "error", err)
		os.Exit(1)
	}

	res := resolver.New(control, cfg.RootDomain, cfg.CacheTTL, cfg.SweepInterval)
	defer res.Close()

	ingress := &http.Server{
		Addr:              cfg.Addr,
		Handler:           proxy.New(res, store, cfg.Storage.PresignTTL, cfg.UpstreamTimeout, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	admin := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           httpx.New(log, map[string]httpx.Check{"storage": store.Ping}, res),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, srv := range map[string]*http.Server{"ingress": ingress, "admin": admin} {
		g.Go(func() error {
			log.Info("router listener starting", "listener", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range []*http.Server{ingress, admin} {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("graceful shutdown failed", "addr", srv.Addr, "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("router stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("router stopped")
}
