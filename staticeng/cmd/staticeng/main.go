package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stormglass-sec/stormglass/common/blobstore"
	"github.com/stormglass-sec/stormglass/common/database"
	"github.com/stormglass-sec/stormglass/common/logging"
	"github.com/stormglass-sec/stormglass/common/messaging"
	natsclient "github.com/stormglass-sec/stormglass/common/messaging/nats"
	"github.com/stormglass-sec/stormglass/staticeng/internal/config"
	"github.com/stormglass-sec/stormglass/staticeng/internal/consumer"
	"github.com/stormglass-sec/stormglass/staticeng/internal/engine"
	"github.com/stormglass-sec/stormglass/staticeng/internal/intel"
	"github.com/stormglass-sec/stormglass/staticeng/internal/repository"
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
	logger = logger.With(logging.Service("staticeng"))

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

	rules, err := engine.LoadRules(cfg.Analysis.RuleDir)
	if err != nil {
		logger.Error("rule load failed", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("pattern rules loaded", "count", rules.Len())

	cache := intel.NewCache()
	var feeds []intel.Fetcher
	for _, f := range cfg.Intel.Feeds {
		feeds = append(feeds, intel.NewHTTPFeed(f.URL, intel.FeedFormat(f.Format)))
	}
	refresher := intel.NewRefresher(cache, feeds, logger, cfg.Intel.RefreshInterval)
	go refresher.Run(ctx)

	eng := engine.New(rules, cache, logger)
	cons := consumer.New(repo, blobs, bus, eng, logger)

	if _, err := bus.EnsureStream(ctx, natsclient.AnalysisStreamConfig()); err != nil {
		logger.Error("stream setup failed", logging.Error(err))
		os.Exit(1)
	}
	consumerCfg := natsclient.DefaultConsumerConfig(
		messaging.QueueStaticWorkers,
		messaging.SubjectArtifactUploaded,
		cfg.Analysis.Timeout+10*time.Second,
	)
	if _, err := bus.EnsureConsumer(ctx, messaging.AnalysisStreamName, consumerCfg); err != nil {
		logger.Error("consumer setup failed", logging.Error(err))
		os.Exit(1)
	}

	stopConsume, err := bus.Consume(ctx, messaging.AnalysisStreamName, messaging.QueueStaticWorkers, cons.Handle)
	if err != nil {
		logger.Error("consume start failed", logging.Error(err))
		os.Exit(1)
	}
	defer stopConsume()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     "ok",
			"indicators": cache.Len(),
			"bus":        bus.IsConnected(),
		})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		logger.Info("static engine listening", "port", cfg.Server.Port)
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
