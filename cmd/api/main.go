package main

import (
	"context"
	"errors"
	"io"
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
	"github.com/chronoslabs/chronos-compressor/internal/middleware"
	"github.com/chronoslabs/chronos-compressor/internal/queue"
	"github.com/chronoslabs/chronos-compressor/internal/storage"
	"github.com/chronoslabs/chronos-compressor/internal/tracing"
	"github.com/chronoslabs/chronos-compressor/internal/transcoder"
	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		os.Stderr.WriteString("Failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		os.Stderr.WriteString("Failed to create logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger = logger.WithField("service", "api")

	tracer, err := tracing.Setup(cfg.Tracing.Enabled, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		logger.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer tracer.Close()

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			logger.Infof("Starting metrics server on :%d", cfg.Metrics.Port)
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorWithErr("Metrics server failed", err)
			}
		}()
	}

	ffmpeg := transcoder.NewFFmpeg(cfg.Compressor.FFmpegPath, cfg.Compressor.FFprobePath)
	compressor := compression.NewCompressor(ffmpeg, compression.Options{
		TempDir: cfg.Compressor.TempDir,
	}, logger)

	api := &API{
		compressor:    compressor,
		encoder:       ffmpeg,
		maxUploadSize: cfg.Compressor.MaxUploadSize,
		logger:        logger,
	}

	if cfg.Jobs.Enabled {
		svc, closers, err := setupJobs(cfg, logger)
		if err != nil {
			logger.Fatalf("Failed to initialize job mode: %v", err)
		}
		for _, c := range closers {
			defer c.Close()
		}
		api.jobs = svc
		logger.Info("Asynchronous job mode enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	go rl.Cleanup(ctx, 10*time.Minute)

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(api, rl)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Infof("Starting API server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithErr("Server forced to shutdown", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.ErrorWithErr("Metrics server forced to shutdown", err)
		}
	}

	logger.Info("Server stopped")
}

// loadConfig reads CONFIG_PATH, or config.yaml when present, and falls
// back to the built-in defaults otherwise
func loadConfig() (*config.Config, error) {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return config.Load("config.yaml")
	}
	return config.Default()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// setupJobs connects the backing services of the asynchronous job mode
func setupJobs(cfg *config.Config, logger *logging.Logger) (*jobs.Service, []io.Closer, error) {
	var closers []io.Closer

	db, err := database.New(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, closerFunc(func() error { db.Close(); return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Migrate(ctx); err != nil {
		return nil, closers, err
	}

	stor, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return nil, closers, err
	}

	c, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, closers, err
	}
	closers = append(closers, c)

	q, err := queue.New(cfg.Queue)
	if err != nil {
		return nil, closers, err
	}
	closers = append(closers, q)

	svc := jobs.NewService(jobs.Deps{
		Store: stor,
		Repo:  database.NewRepository(db, logger),
		Cache: c,
		Queue: q,
	}, jobs.Config{
		CacheTTL:      cfg.Jobs.CacheTTL,
		PresignExpiry: cfg.Jobs.PresignExpiry,
	}, logger)

	return svc, closers, nil
}
