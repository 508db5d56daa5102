// Package jobs runs compressions asynchronously: uploads are stored,
// queued and picked up by workers, and their status is kept in the
// database with a Redis copy for polling.
package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/chronoslabs/chronos-compressor/internal/compression"
	"github.com/chronoslabs/chronos-compressor/internal/database"
	"github.com/chronoslabs/chronos-compressor/internal/logging"
	"github.com/chronoslabs/chronos-compressor/internal/metrics"
	"github.com/chronoslabs/chronos-compressor/internal/storage"
	"github.com/chronoslabs/chronos-compressor/internal/tracing"
	"github.com/chronoslabs/chronos-compressor/pkg/models"
	"github.com/google/uuid"
)

var (
	// ErrJobNotFound is returned for unknown job IDs
	ErrJobNotFound = database.ErrJobNotFound
	// ErrJobNotCompleted is returned when a download is requested too early
	ErrJobNotCompleted = errors.New("job is not completed")
	// ErrInvalidPreset is returned when the preset name matches no preset
	ErrInvalidPreset = errors.New("invalid preset")
	// ErrInvalidCallback is returned for callback URLs that are not http(s)
	ErrInvalidCallback = errors.New("invalid callback url")
	// ErrQueueUnavailable is returned by Submit when no publisher is configured
	ErrQueueUnavailable = errors.New("job queue is not configured")
	// ErrJobLocked is returned by Process when another live worker kept the
	// job locked for a whole lock TTL. The message should be retried.
	ErrJobLocked = errors.New("job is locked by another worker")
)

// ObjectStore keeps job sources and outputs
type ObjectStore interface {
	UploadBytes(ctx context.Context, objectName string, data []byte) error
	Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
	DownloadBytes(ctx context.Context, objectName string) ([]byte, error)
	Delete(ctx context.Context, objectName string) error
	GetURL(ctx context.Context, objectName, fileName string, expiry time.Duration) (string, error)
}

// Repository persists jobs
type Repository interface {
	CreateJob(ctx context.Context, job *models.CompressionJob) error
	GetJob(ctx context.Context, id string) (*models.CompressionJob, error)
	UpdateJob(ctx context.Context, job *models.CompressionJob) error
	UpdateJobProgress(ctx context.Context, id string, progress float64) error
	ListJobs(ctx context.Context, limit, offset int) ([]*models.CompressionJob, error)
}

// StatusCache holds job snapshots and live progress
type StatusCache interface {
	SetJob(ctx context.Context, job *models.CompressionJob, ttl time.Duration) error
	GetJob(ctx context.Context, jobID string) (*models.CompressionJob, error)
	SetJobProgress(ctx context.Context, jobID string, progress float64, ttl time.Duration) error
	GetJobProgress(ctx context.Context, jobID string) (float64, bool, error)
	AcquireJobLock(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error)
	RefreshJobLock(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error)
	ReleaseJobLock(ctx context.Context, jobID, workerID string) error
}

// Publisher enqueues jobs for workers
type Publisher interface {
	PublishJob(ctx context.Context, jobID, preset string) error
}

// Notifier delivers job callbacks
type Notifier interface {
	NotifyJobCompleted(ctx context.Context, job *models.CompressionJob, report *models.Report) error
	NotifyJobFailed(ctx context.Context, job *models.CompressionJob) error
}

// Deps are the collaborators of a Service. The API needs Queue, workers
// need Compressor; Notifier is optional.
type Deps struct {
	Store      ObjectStore
	Repo       Repository
	Cache      StatusCache
	Queue      Publisher
	Notifier   Notifier
	Compressor *compression.Compressor
}

// Config tunes a Service
type Config struct {
	CacheTTL      time.Duration
	PresignExpiry time.Duration
	// LockTTL is how long a job lock outlives a worker that stopped
	// refreshing it
	LockTTL        time.Duration
	WebhookTimeout time.Duration
	WorkerID       string
}

// Service manages compression jobs
type Service struct {
	deps   Deps
	cfg    Config
	logger *logging.Logger

	// pending webhook deliveries
	wg sync.WaitGroup
}

// NewService creates a job service
func NewService(deps Deps, cfg Config, logger *logging.Logger) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = 15 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = time.Minute
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{deps: deps, cfg: cfg, logger: logger}
}

// Submit stores the upload, records a queued job and publishes it
func (s *Service) Submit(ctx context.Context, name string, data []byte, presetName, callbackURL string) (*models.CompressionJob, error) {
	if s.deps.Queue == nil {
		return nil, ErrQueueUnavailable
	}

	preset, err := compression.LookupPreset(presetName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPreset, err)
	}
	if len(data) == 0 {
		return nil, compression.ErrEmptyInput
	}
	if err := validateCallback(callbackURL); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	job := &models.CompressionJob{
		ID:           id,
		Status:       models.JobStatusQueued,
		PresetKey:    preset.Key,
		Bitrate:      preset.Bitrate,
		OriginalName: name,
		SourceKey:    storage.JobSourceKey(id, name),
		OriginalSize: int64(len(data)),
		CallbackURL:  callbackURL,
	}

	if err := s.deps.Store.UploadBytes(ctx, job.SourceKey, data); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	if err := s.deps.Repo.CreateJob(ctx, job); err != nil {
		s.deleteObject(ctx, job.SourceKey)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.cacheJob(ctx, job)

	if err := s.deps.Queue.PublishJob(ctx, job.ID, job.PresetKey); err != nil {
		s.fail(ctx, job, fmt.Errorf("failed to enqueue job: %w", err))
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	metrics.RecordJobCreated(preset.Key)
	s.logger.LogJobEvent(job.ID, "submitted", job.Status, map[string]interface{}{
		"preset":        job.PresetKey,
		"original_name": job.OriginalName,
		"original_size": job.OriginalSize,
	})

	return job, nil
}

// Process runs one queued job. Compression and storage failures mark the
// job failed and return nil; only errors that leave the job untouched are
// returned, so the caller may retry.
//
// A job locked by another worker is waited for up to one lock TTL. Locks
// are refreshed while a worker is alive, so a lock left by a crashed
// worker expires within that window and the job is taken over.
func (s *Service) Process(ctx context.Context, jobID string) error {
	span, ctx := tracing.StartSpan(ctx, "jobs.process")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "job_id", jobID)

	logger := s.logger.WithJobID(jobID)

	job, err := s.deps.Repo.GetJob(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		logger.Warn("Dropping message for unknown job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job.IsTerminal() {
		logger.Info("Job already finished, skipping")
		return nil
	}

	acquired, waited, err := s.acquireLock(ctx, job.ID)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		logger.ErrorWithErr("Failed to acquire job lock, running without it", err)
	case !acquired:
		return s.lockTimeout(ctx, job.ID)
	default:
		defer s.deps.Cache.ReleaseJobLock(context.Background(), job.ID, s.cfg.WorkerID)

		stop := s.keepLock(ctx, job.ID)
		defer stop()

		if waited {
			// the previous holder may have finished the job meanwhile
			job, err = s.deps.Repo.GetJob(ctx, jobID)
			if err != nil {
				return fmt.Errorf("failed to reload job: %w", err)
			}
			if job.IsTerminal() {
				logger.Info("Job finished by its previous worker, skipping")
				return nil
			}
			if job.Status == models.JobStatusProcessing {
				logger.Warnf("Taking over job abandoned by worker %s", job.WorkerID)
			}
		}
	}

	now := time.Now().UTC()
	job.Status = models.JobStatusProcessing
	job.WorkerID = s.cfg.WorkerID
	job.StartedAt = &now
	job.Progress = 0
	if err := s.deps.Repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}
	s.cacheJob(ctx, job)
	logger.LogJobEvent(job.ID, "started", job.Status, nil)

	if err := s.run(ctx, job); err != nil {
		tracing.LogError(span, err)
		return s.fail(ctx, job, err)
	}

	return s.complete(ctx, job)
}

// acquireLock claims the job lock, polling while another worker holds it.
// waited reports whether the lock was contended.
func (s *Service) acquireLock(ctx context.Context, jobID string) (acquired, waited bool, err error) {
	acquired, err = s.deps.Cache.AcquireJobLock(ctx, jobID, s.cfg.WorkerID, s.cfg.LockTTL)
	if err != nil || acquired {
		return acquired, false, err
	}

	logger := s.logger.WithJobID(jobID)
	interval := s.cfg.LockTTL / 4
	deadline := time.NewTimer(s.cfg.LockTTL + interval)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		logger.Debugf("Waiting for job lock held by another worker (ttl %s)", s.cfg.LockTTL)
		select {
		case <-ctx.Done():
			return false, true, ctx.Err()
		case <-deadline.C:
			return false, true, nil
		case <-ticker.C:
			acquired, err = s.deps.Cache.AcquireJobLock(ctx, jobID, s.cfg.WorkerID, s.cfg.LockTTL)
			if err != nil || acquired {
				return acquired, true, err
			}
		}
	}
}

// lockTimeout decides what a worker that never got the lock returns
func (s *Service) lockTimeout(ctx context.Context, jobID string) error {
	job, err := s.deps.Repo.GetJob(ctx, jobID)
	if err == nil && job.IsTerminal() {
		return nil
	}
	s.logger.WithJobID(jobID).Warnf("Job still locked after %s, giving the message back", s.cfg.LockTTL)
	return ErrJobLocked
}

// keepLock refreshes the job lock until the returned func is called
func (s *Service) keepLock(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.LockTTL / 3)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := s.deps.Cache.RefreshJobLock(ctx, jobID, s.cfg.WorkerID, s.cfg.LockTTL)
				if err != nil {
					s.logger.WithJobID(jobID).ErrorWithErr("Failed to refresh job lock", err)
				} else if !ok {
					s.logger.WithJobID(jobID).Warnf("Lost job lock, another worker may run job %s", jobID)
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func (s *Service) run(ctx context.Context, job *models.CompressionJob) error {
	if s.deps.Compressor == nil {
		return errors.New("no compressor configured")
	}

	preset, err := compression.LookupPreset(job.PresetKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPreset, err)
	}

	data, err := s.deps.Store.DownloadBytes(ctx, job.SourceKey)
	if err != nil {
		return fmt.Errorf("failed to fetch upload: %w", err)
	}

	video := compression.UploadedVideo{
		Name:      job.OriginalName,
		SizeBytes: job.OriginalSize,
		RawBytes:  data,
	}

	result, err := s.deps.Compressor.CompressWithProgress(ctx, video, preset, s.progressFunc(ctx, job.ID))
	if err != nil {
		return err
	}

	job.OutputName = result.OutputFileName
	job.OutputKey = storage.JobOutputKey(job.ID, result.OutputFileName)
	job.OriginalSize = result.OriginalSizeBytes
	job.CompressedSize = result.CompressedSizeBytes

	err = s.deps.Store.Upload(ctx, job.OutputKey, bytes.NewReader(result.OutputBytes),
		int64(len(result.OutputBytes)), compression.OutputMIMEType)
	if err != nil {
		return fmt.Errorf("failed to store output: %w", err)
	}

	return nil
}

// progressFunc publishes whole-percent changes to the cache
func (s *Service) progressFunc(ctx context.Context, jobID string) compression.ProgressFunc {
	last := -1
	return func(progress float64) {
		whole := int(progress)
		if whole == last {
			return
		}
		last = whole

		if err := s.deps.Cache.SetJobProgress(ctx, jobID, progress, s.cfg.CacheTTL); err != nil {
			s.logger.WithJobID(jobID).ErrorWithErr("Failed to cache progress", err)
		}
		if whole%25 == 0 {
			if err := s.deps.Repo.UpdateJobProgress(ctx, jobID, progress); err != nil {
				s.logger.WithJobID(jobID).ErrorWithErr("Failed to store progress", err)
			}
		}
		s.logger.LogTranscodingProgress(jobID, progress)
	}
}

func (s *Service) complete(ctx context.Context, job *models.CompressionJob) error {
	now := time.Now().UTC()
	job.Status = models.JobStatusCompleted
	job.Progress = 100
	job.ErrorMsg = ""
	job.CompletedAt = &now

	if err := s.deps.Repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	s.cacheJob(ctx, job)
	s.deleteObject(ctx, job.SourceKey)

	report := s.Report(job)
	metrics.RecordJobCompleted(metrics.StatusCompleted)
	s.logger.LogJobEvent(job.ID, "completed", job.Status, map[string]interface{}{
		"output_name":     job.OutputName,
		"compressed_size": job.CompressedSize,
		"percent_saved":   report.PercentSaved,
	})

	s.notify(job, func(ctx context.Context, n Notifier, snapshot *models.CompressionJob) error {
		return n.NotifyJobCompleted(ctx, snapshot, report)
	})

	return nil
}

// fail records cause on the job. It only returns an error when the failure
// itself could not be stored.
func (s *Service) fail(ctx context.Context, job *models.CompressionJob, cause error) error {
	now := time.Now().UTC()
	job.Status = models.JobStatusFailed
	job.ErrorMsg = cause.Error()
	job.CompletedAt = &now

	if err := s.deps.Repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	s.cacheJob(ctx, job)
	s.deleteObject(ctx, job.SourceKey)

	errorType := "job"
	if compression.IsEncodingFailed(cause) {
		errorType = "encoding"
	}
	metrics.RecordJobCompleted(metrics.StatusFailed)
	metrics.RecordError("jobs", errorType)
	s.logger.LogJobEvent(job.ID, "failed", job.Status, map[string]interface{}{
		"error": job.ErrorMsg,
	})

	s.notify(job, func(ctx context.Context, n Notifier, snapshot *models.CompressionJob) error {
		return n.NotifyJobFailed(ctx, snapshot)
	})

	return nil
}

// notify delivers a callback in the background so webhook retries do not
// hold up the worker. Each delivery gets its own WebhookTimeout.
func (s *Service) notify(job *models.CompressionJob, send func(context.Context, Notifier, *models.CompressionJob) error) {
	if s.deps.Notifier == nil || job.CallbackURL == "" {
		return
	}

	snapshot := *job
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WebhookTimeout)
		defer cancel()

		if err := send(ctx, s.deps.Notifier, &snapshot); err != nil {
			s.logger.WithJobID(snapshot.ID).Errorf("Failed to deliver %s webhook: %v", snapshot.Status, err)
		}
	}()
}

// Wait blocks until pending webhook deliveries have finished
func (s *Service) Wait() {
	s.wg.Wait()
}

// Get returns a job, preferring the cached snapshot. Live progress from
// the cache is merged into running jobs.
func (s *Service) Get(ctx context.Context, id string) (*models.CompressionJob, error) {
	job, err := s.deps.Cache.GetJob(ctx, id)
	if err != nil {
		s.logger.WithJobID(id).ErrorWithErr("Failed to read job cache", err)
	}

	if job == nil {
		job, err = s.deps.Repo.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		s.cacheJob(ctx, job)
	}

	if job.Status == models.JobStatusProcessing {
		if progress, ok, err := s.deps.Cache.GetJobProgress(ctx, id); err == nil && ok {
			job.Progress = progress
		}
	}

	return job, nil
}

// DownloadURL returns a presigned URL for the output of a completed job
func (s *Service) DownloadURL(ctx context.Context, id string) (string, error) {
	job, err := s.deps.Repo.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobStatusCompleted {
		return "", ErrJobNotCompleted
	}

	return s.deps.Store.GetURL(ctx, job.OutputKey, job.OutputName, s.cfg.PresignExpiry)
}

// List returns jobs newest first
func (s *Service) List(ctx context.Context, limit, offset int) ([]*models.CompressionJob, error) {
	return s.deps.Repo.ListJobs(ctx, limit, offset)
}

// Report builds the size report of a job
func (s *Service) Report(job *models.CompressionJob) *models.Report {
	label := ""
	if preset, err := compression.LookupPreset(job.PresetKey); err == nil {
		label = preset.Label
	}
	return job.Report(label)
}

func (s *Service) cacheJob(ctx context.Context, job *models.CompressionJob) {
	if err := s.deps.Cache.SetJob(ctx, job, s.cfg.CacheTTL); err != nil {
		s.logger.WithJobID(job.ID).ErrorWithErr("Failed to cache job", err)
	}
}

func (s *Service) deleteObject(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.deps.Store.Delete(ctx, key); err != nil {
		s.logger.WithField("key", key).ErrorWithErr("Failed to delete object", err)
	}
}

func validateCallback(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidCallback, raw)
	}
	return nil
}
