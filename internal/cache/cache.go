package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chronoslabs/chronos-compressor/internal/metrics"
	"github.com/chronoslabs/chronos-compressor/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache provides caching functionality using Redis
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks the connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func jobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func progressKey(jobID string) string {
	return fmt.Sprintf("job:progress:%s", jobID)
}

func lockKey(jobID string) string {
	return fmt.Sprintf("lock:job:%s", jobID)
}

// SetJob caches the public view of a job
func (c *Cache) SetJob(ctx context.Context, job *models.CompressionJob, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return c.client.Set(ctx, jobKey(job.ID), data, ttl).Err()
}

// GetJob retrieves a job from cache. A miss returns nil, nil.
func (c *Cache) GetJob(ctx context.Context, jobID string) (*models.CompressionJob, error) {
	data, err := c.client.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.RecordCacheAccess("job", false)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job from cache: %w", err)
	}
	metrics.RecordCacheAccess("job", true)

	var job models.CompressionJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// SetJobProgress caches job progress for quick retrieval
func (c *Cache) SetJobProgress(ctx context.Context, jobID string, progress float64, ttl time.Duration) error {
	return c.client.Set(ctx, progressKey(jobID), progress, ttl).Err()
}

// GetJobProgress retrieves job progress from cache. The boolean is false on a miss.
func (c *Cache) GetJobProgress(ctx context.Context, jobID string) (float64, bool, error) {
	progress, err := c.client.Get(ctx, progressKey(jobID)).Float64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.RecordCacheAccess("progress", false)
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get job progress: %w", err)
	}
	metrics.RecordCacheAccess("progress", true)
	return progress, true, nil
}

// Lock scripts only touch the key while it still names the caller
var (
	refreshLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// AcquireJobLock claims a job for one worker. It returns false when
// another worker already holds the lock.
func (c *Cache) AcquireJobLock(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, lockKey(jobID), workerID, ttl).Result()
}

// RefreshJobLock extends a lock held by workerID. It returns false when
// the lock expired or was taken over.
func (c *Cache) RefreshJobLock(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error) {
	n, err := refreshLockScript.Run(ctx, c.client, []string{lockKey(jobID)}, workerID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to refresh job lock: %w", err)
	}
	return n == 1, nil
}

// ReleaseJobLock releases a job lock if workerID still holds it
func (c *Cache) ReleaseJobLock(ctx context.Context, jobID, workerID string) error {
	if err := releaseLockScript.Run(ctx, c.client, []string{lockKey(jobID)}, workerID).Err(); err != nil {
		return fmt.Errorf("failed to release job lock: %w", err)
	}
	return nil
}
