package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/jamesreprise/instrumentality/internal/api"
	"github.com/jamesreprise/instrumentality/internal/config"
	"github.com/jamesreprise/instrumentality/internal/identity"
	"github.com/jamesreprise/instrumentality/internal/ingest"
	"github.com/jamesreprise/instrumentality/internal/logging"
	"github.com/jamesreprise/instrumentality/internal/queue"
	"github.com/jamesreprise/instrumentality/internal/ratelimit"
	"github.com/jamesreprise/instrumentality/internal/store"
	"github.com/jamesreprise/instrumentality/internal/subjects"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "console").Error("load config", "error", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("run migrations", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	resolver := identity.NewResolver(st, st, st, redisClient, cfg.DisplayKeyTTL, log)
	lease := queue.NewManager(st, resolver, cfg.LeaseTimeout, log)
	pipeline := ingest.New(cfg.Vocabularies, st, lease, resolver, st, log)
	subjectSvc := subjects.NewService(st, lease, log)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	if cfg.SweepInterval > 0 {
		go lease.RunSweeper(ctx, cfg.SweepInterval)
	}

	server := api.New(cfg, log, st, st, st, lease, pipeline, subjectSvc, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
