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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/splax/localvercel/api/internal/app/migrate"
	httpx "github.com/splax/localvercel/api/internal/http"
	"github.com/splax/localvercel/api/internal/repository/postgres"
	"github.com/splax/localvercel/api/internal/service/deploy"
	"github.com/splax/localvercel/api/internal/service/function"
	"github.com/splax/localvercel/api/internal/service/project"
	"github.com/splax/localvercel/api/internal/service/webhook"
	"github.com/splax/localvercel/api/internal/ws"
	"github.com/splax/localvercel/pkg/config"
	"github.com/splax/localvercel/pkg/crypto"
	"github.com/splax/localvercel/pkg/logger"
	"github.com/splax/localvercel/pkg/queue"
)

func main() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))
	if cfg.APIToken == "" {
		log.Warn("API_TOKEN is empty; operator routes will reject every request")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("redis ping failed", "error", err, "addr", cfg.Redis.Addr)
		os.Exit(1)
	}
	buildQueue := queue.NewRedisQueue(redisClient, cfg.Redis.QueueKey, "api", time.Second)

	box, err := crypto.NewBox(cfg.WebhookKey)
	if err != nil {
		log.Error("webhook key invalid", "error", err)
		os.Exit(1)
	}

	var retry queue.RetryPolicy = queue.NoRetry
	if cfg.EnqueueAttempts > 0 {
		retry = queue.Backoff{Base: cfg.EnqueueBackoff, Max: 5 * time.Second, Attempts: uint64(cfg.EnqueueAttempts)}
	}

	repo := postgres.New(pool)
	hub := ws.NewHub(cfg.EventBuffer)
	deploySvc := deploy.New(repo, repo, buildQueue, hub, log, deploy.Settings{DefaultBranch: cfg.DefaultBranch, Retry: retry})
	projectSvc := project.New(repo, repo, log)
	functionSvc := function.New(repo, repo, log)
	webhookSvc := webhook.New(repo, box, deploySvc, log)

	router := httpx.NewRouter(log, httpx.Config{
		Deployments: deploySvc,
		Projects:    projectSvc,
		Functions:   functionSvc,
		Webhooks:    webhookSvc,
		Hub:         hub,
		Checks: map[string]httpx.Check{
			"database": pool.Ping,
			"queue":    buildQueue.Ping,
		},
		APIToken:      cfg.APIToken,
		ServiceSecret: cfg.ServiceTokenSecret,
		StreamBuffer:  cfg.EventBuffer,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("api server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
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
		log.Error("api stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("api stopped")
}
