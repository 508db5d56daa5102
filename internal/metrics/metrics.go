package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels shared by compression and job metrics
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chronos_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Upload Metrics
	VideoUploadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronos_video_uploads_total",
			Help: "Total number of video uploads",
		},
	)

	VideoUploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronos_video_upload_size_bytes",
			Help:    "Size of uploaded videos in bytes",
			Buckets: prometheus.ExponentialBuckets(1024*1024, 2, 12), // 1MB to 2GB
		},
	)

	// Compression Metrics
	CompressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_compressions_total",
			Help: "Total number of compression runs",
		},
		[]string{"preset", "status"},
	)

	CompressionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chronos_compression_duration_seconds",
			Help:    "Compression duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17 minutes
		},
		[]string{"preset"},
	)

	CompressionBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_compression_bytes_total",
			Help: "Total bytes before and after compression",
		},
		[]string{"direction"},
	)

	CompressionPercentSaved = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chronos_compression_percent_saved",
			Help:    "Percentage of the original size removed by compression",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
		[]string{"preset"},
	)

	CompressionsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronos_compressions_in_progress",
			Help: "Number of compressions currently running",
		},
	)

	// Job Metrics
	JobsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_jobs_created_total",
			Help: "Total number of asynchronous compression jobs created",
		},
		[]string{"preset"},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_jobs_completed_total",
			Help: "Total number of finished compression jobs",
		},
		[]string{"status"},
	)

	JobsQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronos_jobs_queue_depth",
			Help: "Number of jobs waiting in queue",
		},
	)

	JobsDeadLetterDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronos_jobs_dead_letter_depth",
			Help: "Number of jobs parked in the dead letter queue",
		},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chronos_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation"},
	)

	// Cache Metrics
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronos_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordUpload records an accepted upload
func RecordUpload(sizeBytes int64) {
	VideoUploadsTotal.Inc()
	VideoUploadSizeBytes.Observe(float64(sizeBytes))
}

// RecordCompression records one compression run. Sizes are only counted
// for successful runs.
func RecordCompression(preset, status string, duration float64, originalSize, compressedSize int64, percentSaved float64) {
	CompressionsTotal.WithLabelValues(preset, status).Inc()
	CompressionDuration.WithLabelValues(preset).Observe(duration)

	if status != StatusCompleted {
		return
	}
	CompressionBytes.WithLabelValues("in").Add(float64(originalSize))
	CompressionBytes.WithLabelValues("out").Add(float64(compressedSize))
	CompressionPercentSaved.WithLabelValues(preset).Observe(percentSaved)
}

// RecordJobCreated records a job creation
func RecordJobCreated(preset string) {
	JobsCreatedTotal.WithLabelValues(preset).Inc()
}

// RecordJobCompleted records a job reaching a terminal state
func RecordJobCompleted(status string) {
	JobsCompletedTotal.WithLabelValues(status).Inc()
}

// UpdateQueueDepth sets the number of waiting jobs
func UpdateQueueDepth(depth int) {
	JobsQueueDepth.Set(float64(depth))
}

// UpdateDeadLetterDepth sets the number of dead-lettered jobs
func UpdateDeadLetterDepth(depth int) {
	JobsDeadLetterDepth.Set(float64(depth))
}

// RecordStorageOperation records a storage operation
func RecordStorageOperation(operation, status string, duration float64) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	StorageOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCacheAccess records cache hit or miss
func RecordCacheAccess(cacheType string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
