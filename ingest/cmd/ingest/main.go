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

	"github.com/stormglass-sec/stormglass/common/blobstore"
	"github.com/stormglass-sec/stormglass/common/database"
	"github.com/stormglass-sec/stormglass/common/logging"
	natsclient "github.com/stormglass-sec/stormglass/common/messaging/nats"
	"github.com/stormglass-sec/stormglass/ingest/internal/config"
	"github.com/stormglass-sec/stormglass/ingest/internal/handlers"
	"github.com/stormglass-sec/stormglass/ingest/internal/outbox"
	"github.com/stormglass-sec/stormglass/ingest/internal/repository"
	"github.com/stormglass-sec/stormglass/ingest/internal/server"
	"github.com/stormglass-sec/stormglass/ingest/internal/service"
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
	logger = logger.With(logging.Service("ingest"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.Database.Postgres.DSN())
	if err != nil {
		logger.Error("database connect failed", logging.Error(err))
		os.Exit(1)
	}
	repo := repository.NewPostgresRepository(pool)
	defer repo.Close()

	blobs, err := blobstore.New(ctx, blobstore.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Bucket:    cfg.ObjectStore.Bucket,
		UseSSL:    cfg.ObjectStore.UseSSL,
		MasterKey: cfg.ObjectStore.MasterKey,
	})
	if err != nil {
		logger.Error("object store connect failed", logging.Error(err))
		os.Exit(1)
	}

	bus, err := natsclient.NewJetStreamClient(natsclient.Config{
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

	if _, err := bus.EnsureStream(ctx, natsclient.AnalysisStreamConfig()); err != nil {
		logger.Error("stream setup failed", logging.Error(err))
		os.Exit(1)
	}

	svc := service.New(repo, blobs, bus, logger, service.Config{
		SpoolDir:   cfg.Ingestion.SpoolDir,
		Timeout:    cfg.Ingestion.Timeout,
		RateLimit:  cfg.Ingestion.RateLimit,
		RateWindow: cfg.Ingestion.RateWindow,
	})

	rec := outbox.New(repo, bus, logger, cfg.Outbox.Interval, cfg.Outbox.Batch)
	go rec.Run(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.New(handlers.NewUploadHandler(svc, logger)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("ingest listening", "port", cfg.Server.Port)
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
