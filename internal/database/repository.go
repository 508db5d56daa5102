package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chronoslabs/chronos-compressor/internal/logging"
	"github.com/chronoslabs/chronos-compressor/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrJobNotFound is returned when no job has the requested ID
var ErrJobNotFound = errors.New("job not found")

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

const jobColumns = `id, status, preset, bitrate, original_name, source_key, output_key,
	output_name, original_size, compressed_size, progress, error_msg, callback_url,
	worker_id, started_at, completed_at, created_at, updated_at`

// Repository provides database operations
type Repository struct {
	db     *DB
	logger *logging.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *logging.Logger) *Repository {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Repository{db: db, logger: logger}
}

// CreateJob inserts a new compression job, assigning an ID if it has none
func (r *Repository) CreateJob(ctx context.Context, job *models.CompressionJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}

	query := `
		INSERT INTO compression_jobs (id, status, preset, bitrate, original_name, source_key,
		                              original_size, callback_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	start := time.Now()
	err := r.db.Pool.QueryRow(ctx, query,
		job.ID, job.Status, job.PresetKey, job.Bitrate, job.OriginalName, job.SourceKey,
		job.OriginalSize, job.CallbackURL,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	r.logger.LogDatabaseOperation("create_job", time.Since(start), err)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID
func (r *Repository) GetJob(ctx context.Context, id string) (*models.CompressionJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrJobNotFound
	}

	query := `SELECT ` + jobColumns + ` FROM compression_jobs WHERE id = $1`

	job, err := scanJob(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// UpdateJob persists the mutable fields of a job
func (r *Repository) UpdateJob(ctx context.Context, job *models.CompressionJob) error {
	query := `
		UPDATE compression_jobs
		SET status = $2, output_key = $3, output_name = $4, compressed_size = $5,
		    progress = $6, error_msg = $7, worker_id = $8, started_at = $9,
		    completed_at = $10, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	start := time.Now()
	err := r.db.Pool.QueryRow(ctx, query,
		job.ID, job.Status, job.OutputKey, job.OutputName, job.CompressedSize,
		job.Progress, job.ErrorMsg, job.WorkerID, job.StartedAt, job.CompletedAt,
	).Scan(&job.UpdatedAt)
	r.logger.LogDatabaseOperation("update_job", time.Since(start), err)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	return nil
}

// UpdateJobProgress stores the latest progress of a running job
func (r *Repository) UpdateJobProgress(ctx context.Context, id string, progress float64) error {
	query := `UPDATE compression_jobs SET progress = $2, updated_at = NOW() WHERE id = $1`

	if _, err := r.db.Pool.Exec(ctx, query, id, progress); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	return nil
}

// ListJobs returns jobs newest first
func (r *Repository) ListJobs(ctx context.Context, limit, offset int) ([]*models.CompressionJob, error) {
	limit, offset = clampPage(limit, offset)

	query := `SELECT ` + jobColumns + ` FROM compression_jobs ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.CompressionJob, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

func scanJob(row pgx.Row) (*models.CompressionJob, error) {
	var job models.CompressionJob
	err := row.Scan(
		&job.ID, &job.Status, &job.PresetKey, &job.Bitrate, &job.OriginalName,
		&job.SourceKey, &job.OutputKey, &job.OutputName, &job.OriginalSize,
		&job.CompressedSize, &job.Progress, &job.ErrorMsg, &job.CallbackURL,
		&job.WorkerID, &job.StartedAt, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
