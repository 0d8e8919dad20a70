package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/dispatch/pkg/api"
	"github.com/cuemby/dispatch/pkg/config"
	"github.com/cuemby/dispatch/pkg/coordinator"
	"github.com/cuemby/dispatch/pkg/events"
	"github.com/cuemby/dispatch/pkg/executor"
	"github.com/cuemby/dispatch/pkg/heartbeat"
	"github.com/cuemby/dispatch/pkg/history"
	"github.com/cuemby/dispatch/pkg/log"
	"github.com/cuemby/dispatch/pkg/metrics"
	"github.com/cuemby/dispatch/pkg/reconciler"
	"github.com/cuemby/dispatch/pkg/storage"
	"github.com/cuemby/dispatch/pkg/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the coordinator, worker pool and API",
	Long: `Run the coordinator with its in-process worker pool, heartbeat monitor,
gRPC API and HTTP health endpoints.

Tasks that were not finished when the previous server stopped are
resubmitted on start, in their original submission order.`,
	RunE: runServer,
}

func init() {
	flags := serverCmd.Flags()
	flags.String("data-dir", "", "data directory for the task store and history")
	flags.String("api-addr", "", "address for the gRPC API")
	flags.String("socket", "", "path of the read-only Unix socket (disabled when empty)")
	flags.String("http-addr", "", "address for /health, /ready and /metrics")
	flags.Int("workers", 0, "number of in-process workers")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "log as JSON")

	v := viper.GetViper()
	_ = v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("api_addr", flags.Lookup("api-addr"))
	_ = v.BindPFlag("socket_path", flags.Lookup("socket"))
	_ = v.BindPFlag("http_addr", flags.Lookup("http-addr"))
	_ = v.BindPFlag("workers.count", flags.Lookup("workers"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.json", flags.Lookup("log-json"))

	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("server")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer store.Close()

	archive, err := history.NewSQLiteArchive(ctx, filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer archive.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	monitor, err := heartbeat.NewMonitor(heartbeat.Config{
		WorkerTimeout: cfg.Heartbeat.WorkerTimeout,
		SweepInterval: cfg.Heartbeat.SweepInterval,
	}, store, broker)
	if err != nil {
		return fmt.Errorf("failed to start heartbeat monitor: %w", err)
	}

	registry := executor.NewRegistry()
	if err := executor.RegisterBuiltins(registry); err != nil {
		return err
	}

	pool := worker.NewPool(worker.Config{
		Workers:           cfg.Workers.Count,
		Buckets:           cfg.Workers.Buckets,
		HeartbeatInterval: cfg.Workers.HeartbeatInterval,
	}, nil, monitor)

	coord, err := coordinator.New(coordinator.Options{
		Config:   coordinator.Config{DefaultTimeout: cfg.Coordinator.DefaultTimeout},
		Store:    store,
		Archive:  archive,
		Pool:     pool,
		Registry: registry,
		Monitor:  monitor,
		Broker:   broker,
	})
	if err != nil {
		return err
	}
	pool.SetTracker(coord)
	monitor.SetOnOffline(coord.OnWorkerOffline)
	monitor.SetOnOnline(coord.OnWorkerOnline)

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	defer coord.Stop()
	pool.Start(ctx)
	defer pool.Stop()
	monitor.Start()
	defer monitor.Stop()
	logger.Info().Strs("workers", pool.Names()).Msg("Coordinator started")

	recon := reconciler.NewReconciler(coord, reconciler.Config{
		RetryInterval: cfg.Coordinator.RetryInterval,
		CompletedTTL:  cfg.Coordinator.CompletedTTL,
	})
	recon.Start()
	defer recon.Stop()

	collector := metrics.NewCollector(coord, 0)
	collector.Start()
	defer collector.Stop()

	if file := v.ConfigFileUsed(); file != "" {
		config.Watch(v, func(next config.Config) {
			log.SetLevel(log.Level(next.Log.Level))
			logger.Info().Str("level", next.Log.Level).Msg("Configuration reloaded")
		}, func(err error) {
			logger.Warn().Err(err).Msg("Ignoring invalid configuration change")
		})
		logger.Info().Str("file", file).Msg("Watching configuration file")
	}

	apiServer := api.NewServer(coord, archive, broker)
	errCh := make(chan error, 3)
	go func() {
		if err := apiServer.Start(cfg.APIAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	if cfg.SocketPath != "" {
		go func() {
			if err := apiServer.StartUnix(cfg.SocketPath); err != nil {
				errCh <- fmt.Errorf("socket listener error: %w", err)
			}
		}()
	}
	defer apiServer.Stop()

	health := api.NewHealthServer()
	health.AddCheck("store", func(context.Context) error {
		_, err := store.ListWorkers()
		return err
	})
	health.AddCheck("history", archive.Ping)
	go func() {
		if err := health.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("health server error: %w", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = health.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Str("api_addr", cfg.APIAddr).
		Str("http_addr", cfg.HTTPAddr).
		Str("data_dir", cfg.DataDir).
		Msg("Server is running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
