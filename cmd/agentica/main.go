// Package main is the entry point for the Agentica session manager: a
// single binary serving the HTTP surface and the multiplexed agent socket.
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

	"github.com/agentica/agentica-server/internal/common/config"
	"github.com/agentica/agentica-server/internal/common/logger"
	"github.com/agentica/agentica-server/internal/events/bus"
	"github.com/agentica/agentica-server/internal/gateway/socket"
	"github.com/agentica/agentica-server/internal/inference"
	"github.com/agentica/agentica-server/internal/logstore"
	"github.com/agentica/agentica-server/internal/metrics"
	"github.com/agentica/agentica-server/internal/notifier"
	"github.com/agentica/agentica-server/internal/registry"
	"github.com/agentica/agentica-server/internal/server"
	"github.com/agentica/agentica-server/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Agentica session manager...")
	telemetry.SetServiceName(cfg.Telemetry.ServiceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory unless NATS is configured.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	notif := notifier.New(eventBus, log)
	m := metrics.New()

	store, err := logstore.Open(cfg.LogStore, log)
	if err != nil {
		log.Fatal("Failed to open log store", zap.Error(err))
	}
	defer store.Close()

	recorderSub, err := logstore.AttachRecorder(notif, store, log)
	if err != nil {
		log.Fatal("Failed to attach log recorder", zap.Error(err))
	}
	defer recorderSub.Unsubscribe()

	client := inference.NewClient(cfg.Inference, log)
	defer client.Close()

	reg := registry.New(*cfg, client, notif, m, store, log)
	defer reg.Close(context.Background())

	gateway := socket.NewGateway(reg, notif, m, cfg.Limits.DrainTimeoutDuration(), log)
	srv := server.New(*cfg, reg, gateway, notif, store, m, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	if cfg.Limits.WatchdogSeconds > 0 {
		go watchdog(ctx, time.Duration(cfg.Limits.WatchdogSeconds)*time.Second, log)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Agentica session manager...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Warn("Telemetry shutdown failed", zap.Error(err))
	}
	log.Info("Shutdown complete")
}

// watchdog aborts the process when the scheduler stalls: a debug aid for
// deadlocked event loops, enabled via limits.watchdogSeconds.
func watchdog(ctx context.Context, stall time.Duration, log *logger.Logger) {
	interval := stall / 4
	if interval < time.Second {
		interval = time.Second
	}
	last := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if gap := now.Sub(last); gap > stall {
				log.Error("watchdog detected scheduler stall, aborting",
					zap.Duration("gap", gap))
				os.Exit(2)
			}
			last = now
		}
	}
}
