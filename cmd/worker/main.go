package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chronoslabs/chronos-compressor/internal/cache"
	"github.com/chronoslabs/chronos-compressor/internal/compression"
	"github.com/chronoslabs/chronos-compressor/internal/config"
	"github.com/chronoslabs/chronos-compressor/internal/database"
	"github.com/chronoslabs/chronos-compressor/internal/jobs"
	"github.com/chronoslabs/chronos-compressor/internal/logging"
	"github.com/chronoslabs/chronos-compressor/internal/metrics"
	"github.com/chronoslabs/chronos-compressor/internal/queue"
	"github.com/chronoslabs/chronos-compressor/internal/storage"
	"github.com/chronoslabs/chronos-compressor/internal/tracing"
	"github.com/chronoslabs/chronos-compressor/internal/transcoder"
	"github.com/chronoslabs/chronos-compressor/internal/webhook"
	"github.com/google/uuid"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		os.Stderr.WriteString("Failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = hostname + "-" + uuid.New().String()[:8]
	}

	baseLogger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		os.Stderr.WriteString("Failed to create logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := baseLogger.WithField("service", "worker").WithWorkerID(workerID)

	tracer, err := tracing.Setup(cfg.Tracing.Enabled, cfg.Tracing.ServiceName+"-worker", cfg.Tracing.Endpoint)
	if err != nil {
		logger.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer tracer.Close()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Port)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorWithErr("Metrics server failed", err)
			}
		}()
		defer metricsServer.Shutdown(context.Background())
	}

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = db.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	// Initialize storage
	stor, err := storage.New(cfg.Storage, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}

	c, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer c.Close()

	// Initialize queue
	q, err := queue.New(cfg.Queue)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	ffmpeg := transcoder.NewFFmpeg(cfg.Compressor.FFmpegPath, cfg.Compressor.FFprobePath)
	compressor := compression.NewCompressor(ffmpeg, compression.Options{
		TempDir: cfg.Compressor.TempDir,
	}, logger)

	svc := jobs.NewService(jobs.Deps{
		Store:      stor,
		Repo:       database.NewRepository(db, logger),
		Cache:      c,
		Notifier:   webhook.NewNotifier(cfg.Jobs.WebhookSecret),
		Compressor: compressor,
	}, jobs.Config{
		CacheTTL:       cfg.Jobs.CacheTTL,
		PresignExpiry:  cfg.Jobs.PresignExpiry,
		LockTTL:        cfg.Jobs.LockTTL,
		WebhookTimeout: cfg.Jobs.WebhookTimeout,
		WorkerID:       workerID,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker gracefully...")
		cancel()
	}()

	handler := func(ctx context.Context, msg queue.JobMessage) error {
		logger.WithJobID(msg.JobID).Infof("Processing job (preset %s)", msg.Preset)

		if err := svc.Process(ctx, msg.JobID); err != nil {
			logger.WithJobID(msg.JobID).ErrorWithErr("Failed to process job", err)
			return err
		}
		return nil
	}

	logger.Info("Worker started, waiting for jobs...")
	done, err := q.ConsumeJobs(ctx, handler)
	if err != nil {
		logger.Fatalf("Failed to consume jobs: %v", err)
	}

	<-ctx.Done()

	// Let the running job settle before the deferred closes run. A job
	// that outlives the timeout is redelivered once its lock expires.
	drained := make(chan struct{})
	go func() {
		<-done
		svc.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		logger.Info("Worker stopped")
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warnf("Worker stopped with a job still running after %s", cfg.Server.ShutdownTimeout)
	}
}
