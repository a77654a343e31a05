package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/api"
	"offline-sync-service/internal/cache"
	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/notify"
	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
	"offline-sync-service/internal/upstream"
)

func main() {
	// Load Config
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting Offline Sync Service")

	// Init Store
	st, err := store.Open(cfg.StateStorage)
	if err != nil {
		logger.Log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	// Partition lifecycle: provision the recognized set, then collect
	// stale generations. This runs before the server accepts a single
	// request, so no task ever sees a half-activated store.
	ctx := context.Background()
	recognized := cfg.Cache.RecognizedPartitions()
	if err := st.Provision(ctx, recognized); err != nil {
		logger.Log.Fatal("Failed to provision partitions", zap.Error(err))
	}
	deleted, err := st.Activate(ctx, recognized)
	if err != nil {
		logger.Log.Fatal("Failed to activate partitions", zap.Error(err))
	}
	if len(deleted) > 0 {
		logger.Log.Info("Collected stale partitions", zap.Strings("deleted", deleted))
	}

	// Upstream client
	client, err := upstream.NewClient(cfg.Upstream)
	if err != nil {
		logger.Log.Fatal("Failed to init upstream client", zap.Error(err))
	}

	// Notifications
	bus := notify.NewBus()
	hub := notify.NewHub(bus)
	go hub.Run()

	// Engine
	q := queue.New(st)
	processor := sync.NewProcessor(cfg.Sync, q, st, client, bus)
	conflicts := sync.NewConflictManager(st, processor)
	router := cache.NewRouter(cfg.Cache, st, client)

	scheduler := sync.NewScheduler(cfg.Scheduler, processor)
	scheduler.Start()

	// Init API
	handler := api.NewHandler(cfg.Server, router, q, processor, conflicts, st, bus, hub)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Forced shutdown", zap.Error(err))
	}

	scheduler.Stop()
	hub.Stop()
}
