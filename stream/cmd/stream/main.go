package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stormglass-sec/stormglass/common/database"
	"github.com/stormglass-sec/stormglass/common/logging"
	natsclient "github.com/stormglass-sec/stormglass/common/messaging/nats"
	"github.com/stormglass-sec/stormglass/stream/internal/auth"
	"github.com/stormglass-sec/stormglass/stream/internal/config"
	"github.com/stormglass-sec/stormglass/stream/internal/consumer"
	"github.com/stormglass-sec/stormglass/stream/internal/fabric"
	"github.com/stormglass-sec/stormglass/stream/internal/repository"
	"github.com/stormglass-sec/stormglass/stream/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)
	logger = logger.With(logging.Service("stream"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.Database.Postgres.DSN())
	if err != nil {
		logger.Error("database connect failed", logging.Error(err))
		os.Exit(1)
	}
	repo := repository.NewPostgresRepository(pool)
	defer repo.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("redis url invalid", logging.Error(err))
		os.Exit(1)
	}
	redisOpts.PoolSize = cfg.Redis.PoolSize
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("redis connect failed", logging.Error(err))
		os.Exit(1)
	}

	bus, err := natsclient.NewClient(natsclient.Config{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
		Timeout:       cfg.NATS.Timeout,
	})
	if err != nil {
		logger.Error("bus connect failed", logging.Error(err))
		os.Exit(1)
	}
	defer bus.Close()

	buffer := fabric.NewBuffer(redisClient, cfg.Stream.BufferTTL)
	go buffer.RunGC(ctx, cfg.Stream.GCInterval)

	hub := fabric.NewHub(buffer, repo, logger)

	cons := consumer.New(hub, repo, logger)
	if err := cons.Start(bus); err != nil {
		logger.Error("consumer start failed", logging.Error(err))
		os.Exit(1)
	}
	defer cons.Stop()

	handler := server.NewHandler(hub, auth.NewVerifier(cfg.Stream.JWTSecret), logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.New(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		logger.Info("streaming fabric listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", logging.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = bus.Drain()
}
