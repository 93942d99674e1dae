package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"amsbroker/internal/config"
	"amsbroker/internal/fanout"
	"amsbroker/internal/httpapi"
	"amsbroker/internal/ingest"
	"amsbroker/internal/queue"
	"amsbroker/internal/registry"
	"amsbroker/internal/relay"
	"amsbroker/internal/store"
	"amsbroker/internal/store/memory"
	"amsbroker/internal/store/postgres"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("broker failed: %v", err)
	}
}

func run(cfg config.App) error {
	logger := log.New(os.Stdout, "broker ", log.LstdFlags)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable store.
	var st store.Store
	switch cfg.StoreBackend {
	case "memory":
		logger.Println("warning: using in-memory store, nothing survives a restart")
		st = memory.New()
	default:
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		schemaCtx, schemaCancel := context.WithTimeout(ctx, 30*time.Second)
		err = postgres.EnsureSchema(schemaCtx, db)
		schemaCancel()
		if err != nil {
			return err
		}
		st = postgres.New(db)
	}

	// Event queue for observer fanout.
	var redisClient *redis.Client
	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		q = queue.NewRedisQueue(redisClient, "broker:events")
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	reg := registry.New(cfg.HeartbeatInterval, logger)
	reg.Start(ctx)
	defer reg.Stop()

	rl := relay.New(st, reg, cfg.CommandStaleAfter, logger)
	ing := ingest.NewService(st, q, cfg.GracePeriod, logger)

	hub := fanout.NewHub(logger)
	go func() {
		if err := hub.Run(ctx, q); err != nil && ctx.Err() == nil {
			logger.Printf("fanout pump stopped: %v", err)
		}
	}()

	api := httpapi.New(cfg, st, reg, rl, ing, hub, logger)
	if pg, ok := st.(*postgres.Store); ok {
		api.AddHealthCheck("db", func(ctx context.Context) bool {
			return pg.Ping(ctx) == nil
		})
	}
	if redisClient != nil {
		api.AddHealthCheck("redis", func(ctx context.Context) bool {
			return redisClient.Ping(ctx).Err() == nil
		})
	}

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on :%s", cfg.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Println("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("forced shutdown: %v", err)
	}

	cancel()
	logger.Println("broker exited")
	return nil
}
