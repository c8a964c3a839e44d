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

	httpx "github.com/splax/localvercel/executor/internal/http"
	"github.com/splax/localvercel/executor/internal/sandbox"
	"github.com/splax/localvercel/executor/internal/service/function"
	"github.com/splax/localvercel/pkg/config"
	"github.com/splax/localvercel/pkg/controlplane"
	"github.com/splax/localvercel/pkg/logger"
	"github.com/splax/localvercel/pkg/svcauth"
)

func main() {
	cfg, err := config.LoadExecutorConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.New("executor", logger.ParseLevel(cfg.LogLevel))

	signer := svcauth.NewSigner("executor", cfg.ControlPlane.TokenSecret, cfg.ControlPlane.TokenTTL)
	control, err := controlplane.New(cfg.ControlPlane.URL, signer, cfg.ControlPlane.Timeout)
	if err != nil {
		log.Error("control plane client init failed", "error", err)
		os.Exit(1)
	}

	engine := sandbox.New(cfg.MemoryLimitMB, cfg.MaxTimeout)
	svc := function.New(control, engine, log, function.Settings{
		DefaultTimeout: cfg.Timeout,
		CodeCacheTTL:   cfg.CodeCacheTTL,
		MaxConcurrency: cfg.MaxConcurrency,
	})
	defer svc.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpx.New(svc, log, cfg.MaxEventBytes),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("executor listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.MaxTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	log.Info("executor stopped")
}
