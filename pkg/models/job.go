package models

import (
	"time"
)

// CompressionJob represents an asynchronous compression request
type CompressionJob struct {
	ID             string     `json:"id" db:"id"`
	Status         string     `json:"status" db:"status"`
	PresetKey      string     `json:"preset" db:"preset"`
	Bitrate        string     `json:"bitrate" db:"bitrate"`
	OriginalName   string     `json:"original_name" db:"original_name"`
	SourceKey      string     `json:"-" db:"source_key"`
	OutputKey      string     `json:"-" db:"output_key"`
	OutputName     string     `json:"output_name,omitempty" db:"output_name"`
	OriginalSize   int64      `json:"original_size_bytes" db:"original_size"`
	CompressedSize int64      `json:"compressed_size_bytes,omitempty" db:"compressed_size"`
	Progress       float64    `json:"progress" db:"progress"`
	ErrorMsg       string     `json:"error_msg,omitempty" db:"error_msg"`
	CallbackURL    string     `json:"callback_url,omitempty" db:"callback_url"`
	WorkerID       string     `json:"worker_id,omitempty" db:"worker_id"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// JobStatus constants
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// IsTerminal reports whether the job will not change any more
func (j *CompressionJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// Report derives the size report of a completed job
func (j *CompressionJob) Report(presetLabel string) *Report {
	return NewReport(j.OutputName, presetLabel, j.Bitrate, j.OriginalSize, j.CompressedSize)
}
