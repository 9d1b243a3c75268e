// Package main is the entry point for the swarmd fleet daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/swarmd/swarmd/internal/common/config"
	"github.com/swarmd/swarmd/internal/common/logger"
	"github.com/swarmd/swarmd/internal/events/bus"
	"github.com/swarmd/swarmd/internal/gateway/websocket"
	"github.com/swarmd/swarmd/internal/server"
	"github.com/swarmd/swarmd/internal/spawnqueue"
	"github.com/swarmd/swarmd/internal/storage"
	"github.com/swarmd/swarmd/internal/supervisor"
	"github.com/swarmd/swarmd/internal/swarm"
	"github.com/swarmd/swarmd/internal/tracing"
	"github.com/swarmd/swarmd/internal/trigger"
	"github.com/swarmd/swarmd/internal/workflow/engine"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting swarmd...")

	// 3. Create context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Open the embedded database
	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer store.Close()
	log.Info("Database ready", zap.String("path", cfg.Database.Path))

	// 5. Connect the event bus: NATS when configured, in-process otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-process event bus")
	}
	defer eventBus.Close()

	// 6. Initialize the fleet components
	workers := supervisor.NewManager(cfg.Supervisor, store, eventBus, log)
	queue := spawnqueue.NewService(cfg.SpawnQueue, store, eventBus, workers, log)
	swarms := swarm.NewService(store, eventBus, workers, log)

	eng, err := engine.NewEngine(cfg.Workflow, store, eventBus, queue, swarms, log)
	if err != nil {
		log.Fatal("Failed to initialize workflow engine", zap.Error(err))
	}
	if err := eng.LoadDefinitions(ctx); err != nil {
		log.Error("Failed to load workflow definitions", zap.Error(err))
	}

	triggers, err := trigger.NewDispatcher(cfg.Trigger, store, eventBus, eng, log)
	if err != nil {
		log.Fatal("Failed to initialize trigger dispatcher", zap.Error(err))
	}

	// 7. Create auth, WebSocket hub, and HTTP server
	auth := server.NewAuth(cfg.Auth)

	hub, err := websocket.NewHub(eventBus, auth, log)
	if err != nil {
		log.Fatal("Failed to create websocket hub", zap.Error(err))
	}
	defer hub.Close()

	srv := server.New(cfg.Server, server.Deps{
		Auth:      auth,
		Bus:       eventBus,
		Workers:   workers,
		Swarms:    swarms,
		Queue:     queue,
		Engine:    eng,
		Triggers:  triggers,
		WSHandler: hub.Handler(),
	}, log)

	// 8. Run all loops until a signal arrives or a component fails
	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return workers.Run(runCtx) })
	g.Go(func() error { return queue.Run(runCtx) })
	g.Go(func() error { return eng.Run(runCtx) })
	g.Go(func() error { return triggers.Run(runCtx) })
	g.Go(func() error { return srv.Run(runCtx) })

	log.Info("swarmd started", zap.Int("port", cfg.Server.Port))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("swarmd exited with error", zap.Error(err))
	}

	log.Info("Shutting down swarmd...")

	// 9. Flush pending traces
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("swarmd stopped")
}
