package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is a wrapper around zerolog.Logger
type Logger struct {
	logger zerolog.Logger
}

// Config holds logging configuration
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	Output     string // stdout, stderr, file path
	TimeFormat string // RFC3339, RFC3339Nano, Unix, etc.
}

// NewLogger creates a new logger with the given configuration
func NewLogger(cfg Config) (*Logger, error) {
	var output io.Writer

	switch cfg.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		output = file
	}

	if cfg.Format == "console" {
		timeFormat := cfg.TimeFormat
		if timeFormat == "" {
			timeFormat = time.RFC3339
		}
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: timeFormat,
		}
	}

	logger := NewWithWriter(output, cfg.Level)

	// Set global logger
	log.Logger = logger.logger

	return logger, nil
}

// NewWithWriter creates a JSON logger writing to w without touching the global logger
func NewWithWriter(w io.Writer, level string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	logger := zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Caller().
		Logger()

	return &Logger{logger: logger}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

// ErrorWithErr logs an error message with an error
func (l *Logger) ErrorWithErr(msg string, err error) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatal().Msgf(format, args...)
}

// WithRequestID adds a request ID to the logger
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{logger: l.logger.With().Str("request_id", requestID).Logger()}
}

// WithJobID adds a job ID to the logger
func (l *Logger) WithJobID(jobID string) *Logger {
	return &Logger{logger: l.logger.With().Str("job_id", jobID).Logger()}
}

// WithWorkerID adds a worker ID to the logger
func (l *Logger) WithWorkerID(workerID string) *Logger {
	return &Logger{logger: l.logger.With().Str("worker_id", workerID).Logger()}
}

// LogHTTPRequest logs HTTP request details
func (l *Logger) LogHTTPRequest(method, path, clientIP string, statusCode int, duration time.Duration) {
	l.logger.Info().
		Str("method", method).
		Str("path", path).
		Str("client_ip", clientIP).
		Int("status_code", statusCode).
		Dur("duration_ms", duration).
		Msg("HTTP request")
}

// LogJobEvent logs a job-related event
func (l *Logger) LogJobEvent(jobID, event, status string, details map[string]interface{}) {
	evt := l.logger.Info().
		Str("job_id", jobID).
		Str("event", event).
		Str("status", status)

	for k, v := range details {
		evt = evt.Interface(k, v)
	}

	evt.Msg("Job event")
}

// LogCompression logs the outcome of one compression run
func (l *Logger) LogCompression(fileName, bitrate string, originalSize, compressedSize int64, percentSaved float64, duration time.Duration, err error) {
	evt := l.logger.Info()
	if err != nil {
		evt = l.logger.Error().Err(err)
	}

	evt.
		Str("file_name", fileName).
		Str("bitrate", bitrate).
		Int64("original_size_bytes", originalSize).
		Int64("compressed_size_bytes", compressedSize).
		Float64("percent_saved", percentSaved).
		Dur("duration_ms", duration).
		Msg("Compression")
}

// LogTranscodingProgress logs encoder progress
func (l *Logger) LogTranscodingProgress(jobID string, progress float64) {
	l.logger.Debug().
		Str("job_id", jobID).
		Float64("progress", progress).
		Msg("Transcoding progress")
}

// LogStorageOperation logs a storage operation
func (l *Logger) LogStorageOperation(operation, bucket, key string, size int64, duration time.Duration, err error) {
	evt := l.logger.Info()
	if err != nil {
		evt = l.logger.Error().Err(err)
	}

	evt.
		Str("operation", operation).
		Str("bucket", bucket).
		Str("key", key).
		Int64("size_bytes", size).
		Dur("duration_ms", duration).
		Msg("Storage operation")
}

// LogDatabaseOperation logs a database operation
func (l *Logger) LogDatabaseOperation(operation string, duration time.Duration, err error) {
	evt := l.logger.Info()
	if err != nil {
		evt = l.logger.Error().Err(err)
	}

	evt.
		Str("operation", operation).
		Dur("duration_ms", duration).
		Msg("Database operation")
}
