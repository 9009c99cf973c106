// Command tempusd is the tempus server daemon. It wires the task state
// machine, reminder scheduler, and HTTP API together from a YAML config.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tempusd/tempus/config"
	"github.com/tempusd/tempus/deadline"
	"github.com/tempusd/tempus/event"
	"github.com/tempusd/tempus/internal/version"
	"github.com/tempusd/tempus/notify"
	"github.com/tempusd/tempus/remind"
	"github.com/tempusd/tempus/server"
	"github.com/tempusd/tempus/server/ws"
	"github.com/tempusd/tempus/task"
	"github.com/tempusd/tempus/timeauth"
)

var configPath = flag.String("config", "tempus.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	logger.Info("starting tempusd",
		"version", version.Version,
		"commit", version.Commit,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir %s: %v", cfg.DataDir, err)
	}
	store, err := task.NewSQLiteStore(filepath.Join(cfg.DataDir, "tempus.db"))
	if err != nil {
		log.Fatalf("Failed to open task store: %v", err)
	}
	defer store.Close() //nolint:errcheck

	clock := timeauth.SystemClock{}
	bus := event.NewInMemoryBus()
	resolver := deadline.New()
	tasks := task.NewService(store, clock, resolver.Resolve, bus, logger)

	hub := ws.NewHub(logger)
	dispatcher := notify.NewFanOut(hub, nil, logger)

	queue := remind.NewTimerQueue(clock, logger)
	scheduler := remind.NewScheduler(queue, store, clock, dispatcher, logger)
	queue.Start(func(job remind.Job) {
		scheduler.HandleFire(context.Background(), job)
	})
	defer queue.Stop()

	unsubscribe := scheduler.Subscribe(bus)
	defer unsubscribe()

	srv := server.New(*cfg, version.Version, logger)
	srv.SetTaskService(tasks)
	srv.SetScheduler(scheduler)
	srv.SetBus(bus)
	srv.SetClock(clock)
	srv.SetHub(hub)
	srv.WireEvents()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	logger.Info("shutdown complete")
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
