package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/p-arndt/labkasten/internal/api"
	"github.com/p-arndt/labkasten/internal/bulk"
	"github.com/p-arndt/labkasten/internal/config"
	"github.com/p-arndt/labkasten/internal/docker"
	"github.com/p-arndt/labkasten/internal/events"
	"github.com/p-arndt/labkasten/internal/governor"
	"github.com/p-arndt/labkasten/internal/health"
	"github.com/p-arndt/labkasten/internal/imagebuild"
	"github.com/p-arndt/labkasten/internal/pool"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/store"
	"github.com/p-arndt/labkasten/internal/workspace"
)

func main() {
	cfgPath := flag.String("config", "", "path to labkasten.yaml")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if cfg.APIKey == "" {
		logger.Warn("no API key configured, running in open access mode")
	}

	st, err := store.New(cfg.DBPath, store.DefaultMaxOpenConns)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	dc, err := docker.New(cfg.Ports.BindAddress, cfg.Runtime.NetworkMode)
	if err != nil {
		logger.Error("docker client", "error", err)
		os.Exit(1)
	}
	defer dc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dc.Ping(ctx); err != nil {
		logger.Error("docker ping failed, is Docker running?", "error", err)
		os.Exit(1)
	}
	logger.Info("docker connection OK")

	pub := newPublisher(cfg.Events, logger)
	defer pub.Close()

	ports := pool.New(cfg.Ports.RangeStart, cfg.Ports.RangeEnd, logger)
	monitor := health.NewMonitor(health.NewNetProber(), health.Options{
		Attempts:       cfg.Health.Attempts,
		InitialBackoff: cfg.Health.InitialBackoff,
		MaxBackoff:     cfg.Health.MaxBackoff,
		AttemptTimeout: cfg.Health.AttemptTimeout,
	}, logger)
	images := imagebuild.NewCache(dc, imagebuild.Options{
		TagPrefix:      cfg.Image.TagPrefix,
		InstallCommand: cfg.Image.InstallCommand,
		Timeout:        cfg.Image.BuildTimeout,
		Retries:        cfg.Image.BuildRetries,
	}, logger)

	deps := session.Deps{
		Store:   st,
		Runtime: dc,
		Images:  images,
		Ports:   ports,
		Health:  monitor,
		Events:  pub,
	}
	var workspaces api.WorkspaceService
	if cfg.Workspace.Enabled {
		wm := workspace.NewManager(dc.DockerClient())
		deps.Workspaces = wm
		workspaces = wm
	}

	mgr := session.NewManager(cfg, deps, logger)

	gov := governor.New(cfg.Governor, dc, st, logger)
	gov.SetSessionManager(mgr)
	mgr.SetAdmitter(gov)

	if _, err := gov.Reconcile(ctx); err != nil {
		logger.Error("startup reconciliation failed", "error", err)
		os.Exit(1)
	}
	go gov.Run(ctx)

	srv := api.NewServer(cfg, api.Deps{
		Labs:       mgr,
		Bulk:       bulk.New(mgr, cfg.Bulk.Concurrency, pub, logger),
		Governor:   gov,
		Workspaces: workspaces,
		Runtime:    dc,
		Ports:      ports,
		Images:     images,
		Health:     monitor,
	}, logger)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Image.BuildTimeout + time.Minute, // first create may build an image
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Listen)
	fmt.Fprintf(os.Stderr, "\n  labkasten daemon ready at http://%s\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newPublisher(cfg config.EventsConfig, logger *slog.Logger) events.Publisher {
	switch cfg.Driver {
	case "kafka":
		logger.Info("publishing lifecycle events to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
		return events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	case "none":
		return events.Nop{}
	default:
		return events.NewLogPublisher(logger)
	}
}
