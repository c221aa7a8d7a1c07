package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/proxy-harvester/internal/aggregator"
	"github.com/proxy-harvester/internal/api"
	"github.com/proxy-harvester/internal/checker"
	"github.com/proxy-harvester/internal/config"
	"github.com/proxy-harvester/internal/metrics"
	"github.com/proxy-harvester/internal/scheduler"
	"github.com/proxy-harvester/internal/snapshot"
	"github.com/proxy-harvester/internal/status"
	"github.com/proxy-harvester/internal/storage"
	"github.com/proxy-harvester/internal/types"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "harvester",
		Short:        "Collect, validate and serve public proxy lists",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a JSON or YAML config file (built-in defaults when empty)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the refresh scheduler and the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run a single refresh cycle, print the counts and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, configPath)
		},
	})

	return root
}

// app is everything a refresh cycle needs, wired from config
type app struct {
	cfg       *config.Config
	metrics   *metrics.Collector
	store     storage.Storage
	snapshots *snapshot.Manager
	scheduler *scheduler.Scheduler
	status    *status.Provider
}

func setupLogging(cfg config.LoggingConfig) {
	if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.RequireSecrets(); err != nil {
		return nil, err
	}

	setupLogging(cfg.Logging)

	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace)

	store, err := storage.NewStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	lists, err := storage.NewListWriter(cfg.Storage.ListDir, cfg.Storage.ListFiles)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initialize list writer: %w", err)
	}

	validator, err := checker.NewValidator(cfg.Checker, checker.NewHTTPProber(), nil, metricsCollector)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initialize validator: %w", err)
	}

	snapshots := snapshot.NewManager(store, lists, cfg.Storage.PersistIntervalSeconds)
	if err := snapshots.LoadFromStorage(time.Duration(cfg.Storage.MaxRestoreAgeSeconds) * time.Second); err != nil {
		log.Warnf("Some stored snapshots could not be restored: %v", err)
	}

	agg := aggregator.NewAggregator(cfg.Aggregator, aggregator.NewHTTPGetter(cfg.Aggregator.UserAgent), metricsCollector)
	pipeline := scheduler.NewStagePipeline(agg, validator, cfg.Aggregator.MaxProxies, cfg.Checker.FastFilter, metricsCollector)
	sched := scheduler.New(pipeline, snapshots, time.Duration(cfg.Aggregator.IntervalSeconds)*time.Second, metricsCollector)

	return &app{
		cfg:       cfg,
		metrics:   metricsCollector,
		store:     store,
		snapshots: snapshots,
		scheduler: sched,
		status:    status.NewProvider(snapshots, sched, lists),
	}, nil
}

func (a *app) close() {
	a.snapshots.Close()
	if err := a.store.Close(); err != nil {
		log.Errorf("Storage close error: %v", err)
	}
}

func runServe(configPath string) error {
	a, err := newApp(configPath)
	if err != nil {
		log.Fatalf("Startup failed: %v", err)
	}
	defer a.close()

	log.Infof("Starting proxy harvester v%s (GOMAXPROCS=%d)", version, runtime.GOMAXPROCS(0))

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.scheduler.Start(ctx)

	var apiServer *api.Server
	if a.cfg.API.Enabled {
		apiServer = api.NewServer(a.cfg, a.status, a.metrics, a.scheduler)
		go func() {
			if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("API server failed: %v", err)
			}
		}()
		log.Infof("Service started successfully on %s", a.cfg.API.Addr)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully...")
	a.scheduler.Stop()
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Errorf("API server shutdown error: %v", err)
		}
	}
	a.scheduler.Wait()

	log.Info("Shutdown complete")
	return nil
}

func runOnce(cmd *cobra.Command, configPath string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.scheduler.RunCycle(ctx)

	out := cmd.OutOrStdout()
	for _, cat := range types.Categories {
		path, _ := a.status.ListFile(cat)
		fmt.Fprintf(out, "%-7s %6d  last refresh: %s  list: %s\n",
			cat, a.status.GetCount(cat), a.status.GetLastRefresh(cat), path)
	}
	return nil
}
