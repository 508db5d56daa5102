package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/chronoslabs/chronos-compressor/internal/config"
	"github.com/chronoslabs/chronos-compressor/internal/logging"
	"github.com/chronoslabs/chronos-compressor/internal/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Storage provides object storage operations
type Storage struct {
	client     *minio.Client
	bucketName string
	logger     *logging.Logger
}

// New creates a new storage client
func New(cfg config.StorageConfig, logger *logging.Logger) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	// Ensure bucket exists
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	if logger == nil {
		logger = logging.Nop()
	}

	return &Storage{
		client:     client,
		bucketName: cfg.BucketName,
		logger:     logger,
	}, nil
}

// Upload uploads a stream to storage
func (s *Storage) Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
	start := time.Now()
	_, err := s.client.PutObject(ctx, s.bucketName, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	s.record("upload", objectName, size, start, err)
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}

	return nil
}

// UploadBytes uploads an in-memory object, deriving the content type from its name
func (s *Storage) UploadBytes(ctx context.Context, objectName string, data []byte) error {
	return s.Upload(ctx, objectName, bytes.NewReader(data), int64(len(data)), getContentType(objectName))
}

// DownloadBytes reads a whole object into memory
func (s *Storage) DownloadBytes(ctx context.Context, objectName string) ([]byte, error) {
	start := time.Now()
	object, err := s.client.GetObject(ctx, s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		s.record("download", objectName, 0, start, err)
		return nil, fmt.Errorf("failed to download object: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	s.record("download", objectName, int64(len(data)), start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	return data, nil
}

// Delete deletes an object from storage
func (s *Storage) Delete(ctx context.Context, objectName string) error {
	start := time.Now()
	err := s.client.RemoveObject(ctx, s.bucketName, objectName, minio.RemoveObjectOptions{})
	s.record("delete", objectName, 0, start, err)
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}

	return nil
}

// GetURL returns a presigned URL that downloads the object as fileName
func (s *Storage) GetURL(ctx context.Context, objectName, fileName string, expiry time.Duration) (string, error) {
	params := url.Values{}
	if fileName != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucketName, objectName, expiry, params)
	if err != nil {
		return "", fmt.Errorf("failed to generate URL: %w", err)
	}

	return u.String(), nil
}

// JobSourceKey is where the upload of a job is kept until it is processed
func JobSourceKey(jobID, fileName string) string {
	return path.Join("jobs", jobID, "source", safeName(fileName))
}

// JobOutputKey is where the compressed file of a job is kept
func JobOutputKey(jobID, fileName string) string {
	return path.Join("jobs", jobID, "output", safeName(fileName))
}

func safeName(name string) string {
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	if base == "." || base == ".." || base == "/" {
		return "video"
	}
	return base
}

func (s *Storage) record(operation, key string, size int64, start time.Time, err error) {
	duration := time.Since(start)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordStorageOperation(operation, status, duration.Seconds())
	s.logger.LogStorageOperation(operation, s.bucketName, key, size, duration, err)
}

// getContentType returns the content type based on file extension. Job
// outputs are always MP4 whatever their extension, so only source uploads
// rely on this.
func getContentType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}
