package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"oaiserver/internal/config"
	"oaiserver/internal/logging"
	"oaiserver/internal/services"
)

func main() {
	runServer := flag.Bool("serve", false, "Run the harvest server")
	runWorker := flag.Bool("worker", false, "Run the update propagator")
	configDir := flag.String("config", "config", "Configuration directory")
	flag.Parse()

	// Default to running everything in one process.
	if !*runServer && !*runWorker {
		*runServer = true
		*runWorker = true
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logging.Initialize(cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Shutdown()

	slog.Info("Starting oaiserver", "serve", *runServer, "worker", *runWorker)

	mgr := services.NewManager(cfg, services.Options{
		RunServer: *runServer,
		RunWorker: *runWorker,
	}, slog.Default())

	initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer initCancel()
	if err := mgr.Init(initCtx); err != nil {
		slog.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	errCh := make(chan error, 1)
	go func() { errCh <- mgr.Start(bgCtx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("Service failed", "error", err)
		}
	}

	bgCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)

	slog.Info("All services stopped")
}
