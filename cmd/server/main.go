// Command server runs the chunked upload coordinator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chunkflow/coordinator/internal/blobstore"
	"github.com/chunkflow/coordinator/internal/cache"
	"github.com/chunkflow/coordinator/internal/config"
	"github.com/chunkflow/coordinator/internal/health"
	"github.com/chunkflow/coordinator/internal/httpapi"
	"github.com/chunkflow/coordinator/internal/logger"
	"github.com/chunkflow/coordinator/internal/registry"
	"github.com/chunkflow/coordinator/internal/scheduler"
	"github.com/chunkflow/coordinator/internal/session"
	"github.com/chunkflow/coordinator/internal/validator"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Resumable chunked upload coordinator",
	}

	rootCmd.PersistentFlags().String("config", "", "optional YAML config overlay path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordinator HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.New(cfg.LogLevel, cfg.Environment).WithComponent("coordinator")

	store, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("building session registry: %w", err)
	}
	defer store.Close()

	blobs, err := buildBlobStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("building blob store: %w", err)
	}

	var distributed *validator.RedisCounter
	if cfg.RegistryBackend == config.RegistryBackendRedis {
		rl, err := cache.NewRateLimitCache(cache.RedisConfig{URL: cfg.RedisURL})
		if err != nil {
			log.Warn("distributed rate limiting unavailable, falling back to per-instance limits: %v", err)
		} else {
			defer rl.Close()
			distributed = validator.NewRedisCounter(rl)
		}
	}

	v := validator.New(validator.Config{
		ChunkSize:           cfg.ChunkSize,
		MaxFileSize:         cfg.MaxFileSize,
		GeneralPerMinute:    cfg.RateLimitGeneralPerMinute,
		UploadPerMinute:     cfg.RateLimitUploadPerMinute,
		MonitoringPerMinute: cfg.RateLimitMonitoringPerMinute,
	}, distributed)

	sched := scheduler.New(scheduler.Config{
		MaxParallelWrites:     cfg.MaxParallelWrites,
		MaxParallelPerSession: cfg.MaxParallelPerSession,
		PerSessionQueueBound:  cfg.PerSessionQueueBound,
		AdmitTimeout:          cfg.AdmitTimeout,
	})

	mgr := session.NewManager(store, blobs, v, sched, log.WithComponent("session"), cfg.ChunkWriteTimeout)

	reaper := session.NewReaper(mgr, session.ReaperConfig{
		Interval:       cfg.ReapInterval,
		StaleThreshold: cfg.StaleThreshold,
		Retention:      cfg.Retention,
	}, log.WithComponent("reaper"))
	if err := reaper.Start(); err != nil {
		return fmt.Errorf("starting reaper: %w", err)
	}

	checker := health.NewChecker(store, blobs)
	server := httpapi.NewServer(cfg, mgr, store, checker, v, log.WithComponent("http"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := reaper.Stop(); err != nil {
		log.Error("stopping reaper", err)
	}

	return server.Stop(shutdownCtx)
}

func buildRegistry(cfg *config.Config) (registry.Store, error) {
	switch cfg.RegistryBackend {
	case config.RegistryBackendRedis:
		return registry.NewRedisStore(cfg.RedisURL)
	default:
		return registry.NewMemoryStore(), nil
	}
}

func buildBlobStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (blobstore.Backend, error) {
	switch cfg.BlobStoreBackend {
	case config.BlobStoreBackendS3:
		return blobstore.NewS3Backend(ctx, blobstore.S3Config{
			Bucket:         cfg.S3Bucket,
			Region:         cfg.S3Region,
			Endpoint:       cfg.S3Endpoint,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
	default:
		return blobstore.NewLocalBackend(blobstore.LocalConfig{
			BasePath:            cfg.UploadDir,
			ErasureEnabled:      cfg.ErasureEnabled,
			ErasureDataShards:   cfg.ErasureDataShards,
			ErasureParityShards: cfg.ErasureParityShards,
		}, log.WithComponent("blobstore"))
	}
}
