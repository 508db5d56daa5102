package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. CHRONOS_SERVER_PORT
const EnvPrefix = "CHRONOS"

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Storage    StorageConfig
	Queue      QueueConfig
	Compressor CompressorConfig
	Jobs       JobsConfig
	Logging    LoggingConfig
	Metrics    MetricsConfig
	Tracing    TracingConfig
	RateLimit  RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// CompressorConfig holds the encoder settings shared by every preset
type CompressorConfig struct {
	FFmpegPath    string
	FFprobePath   string
	TempDir       string
	MaxUploadSize int64
}

// JobsConfig controls the asynchronous job mode of the API
type JobsConfig struct {
	Enabled        bool
	CacheTTL       time.Duration
	PresignExpiry  time.Duration
	// LockTTL bounds how long a crashed worker keeps a job; live workers
	// refresh the lock while they encode
	LockTTL        time.Duration
	WebhookSecret  string
	WebhookTimeout time.Duration
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// MetricsConfig holds Prometheus exporter settings
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// TracingConfig holds Jaeger settings
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
}

// RateLimitConfig holds per-client request limits
type RateLimitConfig struct {
	RPS   int
	Burst int
}

// Addr returns the host:port the HTTP server listens on
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return unmarshal(v)
}

// Default returns the built-in defaults with environment overrides applied
func Default() (*Config, error) {
	return unmarshal(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.readTimeout", "5m")
	v.SetDefault("server.writeTimeout", "30m")
	v.SetDefault("server.shutdownTimeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "chronos")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Storage defaults
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.accessKeyID", "minioadmin")
	v.SetDefault("storage.secretAccessKey", "minioadmin")
	v.SetDefault("storage.bucketName", "chronos")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.useSSL", false)

	// Queue defaults
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 5672)
	v.SetDefault("queue.user", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.vhost", "/")

	// Compressor defaults
	v.SetDefault("compressor.ffmpegPath", "ffmpeg")
	v.SetDefault("compressor.ffprobePath", "ffprobe")
	v.SetDefault("compressor.tempDir", "")
	v.SetDefault("compressor.maxUploadSize", 2<<30) // 2GB

	// Jobs defaults
	v.SetDefault("jobs.enabled", false)
	v.SetDefault("jobs.cacheTTL", "1h")
	v.SetDefault("jobs.presignExpiry", "1h")
	v.SetDefault("jobs.lockTTL", "1m")
	v.SetDefault("jobs.webhookSecret", "")
	v.SetDefault("jobs.webhookTimeout", "1m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "chronos-compressor")
	v.SetDefault("tracing.endpoint", "http://localhost:14268/api/traces")

	v.SetDefault("rateLimit.rps", 2)
	v.SetDefault("rateLimit.burst", 5)
}
