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

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/splax/localvercel/builder/internal/docker"
	httpx "github.com/splax/localvercel/builder/internal/http"
	"github.com/splax/localvercel/builder/internal/pipeline"
	"github.com/splax/localvercel/builder/internal/service/deploy"
	"github.com/splax/localvercel/builder/internal/shell"
	"github.com/splax/localvercel/builder/internal/worker"
	"github.com/splax/localvercel/builder/internal/workspace"
	"github.com/splax/localvercel/pkg/artifact"
	"github.com/splax/localvercel/pkg/config"
	"github.com/splax/localvercel/pkg/controlplane"
	"github.com/splax/localvercel/pkg/logger"
	"github.com/splax/localvercel/pkg/queue"
	"github.com/splax/localvercel/pkg/svcauth"
)

func main() {
	cfg, err := config.LoadBuilderConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.New("builder", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := artifact.NewMinioStore(cfg.Storage)
	if err != nil {
		log.Error("artifact store init failed", "error", err)
		os.Exit(1)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		log.Error("artifact store unreachable", "error", err, "endpoint", cfg.Storage.Endpoint)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("redis ping failed", "error", err, "addr", cfg.Redis.Addr)
		os.Exit(1)
	}
	buildQueue := queue.NewRedisQueue(redisClient, cfg.Redis.QueueKey, cfg.InstanceID, cfg.PollTimeout)

	workspaceManager, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workdir)
		os.Exit(1)
	}
	if removed, err := workspaceManager.Sweep(); err != nil {
		log.Warn("stale workspace sweep incomplete", "error", err, "removed", removed)
	} else if removed > 0 {
		log.Info("removed stale workspaces", "count", removed)
	}

	checks := map[string]httpx.Check{
		"storage": store.Ping,
		"queue":   buildQueue.Ping,
	}
	var runner pipeline.Runner = shell.Runner{Env: []string{"CI=1"}}
	if cfg.Runner == "docker" {
		dockerClient, err := docker.Dial(cfg.DockerHost)
		if err != nil {
			log.Error("failed to create docker client", "error", err)
			os.Exit(1)
		}
		defer dockerClient.Close()
		if err := dockerClient.Ping(ctx); err != nil {
			log.Error("docker ping failed", "error", err)
			os.Exit(1)
		}
		runner = docker.NewRunner(dockerClient, cfg.BuildImage)
		checks["docker"] = dockerClient.Ping
	}

	signer := svcauth.NewSigner("builder", cfg.ControlPlane.TokenSecret, cfg.ControlPlane.TokenTTL)
	control, err := controlplane.New(cfg.ControlPlane.URL, signer, cfg.ControlPlane.Timeout)
	if err != nil {
		log.Error("control plane client init failed", "error", err)
		os.Exit(1)
	}

	stages := pipeline.New(runner, store, pipeline.Timeouts{
		Clone:   cfg.CloneTimeout,
		Install: cfg.InstallTimeout,
		Build:   cfg.BuildTimeout,
		Upload:  cfg.UploadTimeout,
	})
	deploySvc := deploy.New(stages, workspaceManager, control, log, deploy.Settings{
		RootDomain:      cfg.RootDomain,
		PublicScheme:    cfg.PublicScheme,
		CallbackTimeout: cfg.ControlPlane.Timeout,
	})

	var router *httpx.Router
	pool := worker.New(buildQueue, deploySvc, cfg.Workers, log, worker.WithObserver(func(out deploy.Outcome, elapsed time.Duration) {
		router.ObserveJob(out, elapsed)
	}))
	router = httpx.New(log, pool, checks)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("builder admin server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("builder stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("builder stopped")
}
