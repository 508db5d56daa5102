package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chronoslabs/chronos-compressor/pkg/models"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	cache, err := NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create cache: %v", err)
	}

	return cache, mr
}

func TestNewCache(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	if err := cache.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewCacheUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	host, port := mr.Host(), mr.Server().Addr().Port
	mr.Close()

	if _, err := NewCache(host, port, "", 0); err == nil {
		t.Error("Expected error connecting to a closed server")
	}
}

func TestCache_JobOperations(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()

	job := &models.CompressionJob{
		ID:           "test-job-1",
		Status:       models.JobStatusQueued,
		PresetKey:    "nebula",
		Bitrate:      "1000k",
		OriginalName: "clip.mov",
		OriginalSize: 4096,
	}

	if err := cache.SetJob(ctx, job, 5*time.Minute); err != nil {
		t.Fatalf("SetJob failed: %v", err)
	}

	retrieved, err := cache.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if retrieved == nil {
		t.Fatal("Retrieved job should not be nil")
	}
	if retrieved.Bitrate != "1000k" || retrieved.OriginalSize != 4096 {
		t.Errorf("Unexpected cached job: %+v", retrieved)
	}

	if ttl := mr.TTL(jobKey(job.ID)); ttl != 5*time.Minute {
		t.Errorf("Expected TTL 5m, got %v", ttl)
	}

	missing, err := cache.GetJob(ctx, "non-existent")
	if err != nil {
		t.Fatalf("GetJob for non-existent should not error: %v", err)
	}
	if missing != nil {
		t.Error("Non-existent job should return nil")
	}

	mr.FastForward(6 * time.Minute)
	expired, err := cache.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob after expiry failed: %v", err)
	}
	if expired != nil {
		t.Error("Expired job should return nil")
	}
}

func TestCache_JobProgress(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()
	jobID := "test-job-1"

	_, ok, err := cache.GetJobProgress(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJobProgress on miss failed: %v", err)
	}
	if ok {
		t.Error("Expected a miss before progress is set")
	}

	if err := cache.SetJobProgress(ctx, jobID, 50.5, 5*time.Minute); err != nil {
		t.Fatalf("SetJobProgress failed: %v", err)
	}

	progress, ok, err := cache.GetJobProgress(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJobProgress failed: %v", err)
	}
	if !ok || progress != 50.5 {
		t.Errorf("Expected progress 50.5, got %f (hit=%v)", progress, ok)
	}

	if ttl := mr.TTL(progressKey(jobID)); ttl != 5*time.Minute {
		t.Errorf("Expected progress TTL 5m, got %v", ttl)
	}
}

func TestCache_JobLock(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()

	acquired, err := cache.AcquireJobLock(ctx, "job-1", "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("AcquireJobLock failed: %v", err)
	}
	if !acquired {
		t.Error("First lock acquisition should succeed")
	}

	acquired, err = cache.AcquireJobLock(ctx, "job-1", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("Second AcquireJobLock failed: %v", err)
	}
	if acquired {
		t.Error("Second lock acquisition should fail")
	}

	holder, err := mr.Get(lockKey("job-1"))
	if err != nil {
		t.Fatalf("Failed to read lock: %v", err)
	}
	if holder != "worker-a" {
		t.Errorf("Expected lock held by worker-a, got %q", holder)
	}

	// only the holder may release
	if err := cache.ReleaseJobLock(ctx, "job-1", "worker-b"); err != nil {
		t.Fatalf("ReleaseJobLock by non-holder failed: %v", err)
	}
	if !mr.Exists(lockKey("job-1")) {
		t.Error("Lock must survive a release by another worker")
	}

	if err := cache.ReleaseJobLock(ctx, "job-1", "worker-a"); err != nil {
		t.Fatalf("ReleaseJobLock failed: %v", err)
	}

	acquired, err = cache.AcquireJobLock(ctx, "job-1", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireJobLock after release failed: %v", err)
	}
	if !acquired {
		t.Error("Lock acquisition after release should succeed")
	}
}

func TestCache_RefreshJobLock(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()

	if _, err := cache.AcquireJobLock(ctx, "job-1", "worker-a", time.Minute); err != nil {
		t.Fatalf("AcquireJobLock failed: %v", err)
	}
	mr.FastForward(50 * time.Second)

	refreshed, err := cache.RefreshJobLock(ctx, "job-1", "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("RefreshJobLock failed: %v", err)
	}
	if !refreshed {
		t.Error("Holder should be able to refresh its lock")
	}
	if ttl := mr.TTL(lockKey("job-1")); ttl != time.Minute {
		t.Errorf("Expected refreshed TTL 1m, got %v", ttl)
	}

	refreshed, err = cache.RefreshJobLock(ctx, "job-1", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("RefreshJobLock by non-holder failed: %v", err)
	}
	if refreshed {
		t.Error("Only the holder may refresh the lock")
	}

	// an expired lock cannot be refreshed and is free for takeover
	mr.FastForward(2 * time.Minute)
	refreshed, err = cache.RefreshJobLock(ctx, "job-1", "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("RefreshJobLock after expiry failed: %v", err)
	}
	if refreshed {
		t.Error("Expired lock should not be refreshed")
	}

	acquired, err := cache.AcquireJobLock(ctx, "job-1", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireJobLock after expiry failed: %v", err)
	}
	if !acquired {
		t.Error("Expired lock should be taken over")
	}
}

func BenchmarkCache_GetJob(b *testing.B) {
	mr, _ := miniredis.Run()
	defer mr.Close()

	cache, _ := NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	defer cache.Close()

	ctx := context.Background()
	job := &models.CompressionJob{ID: "benchmark-job", Status: models.JobStatusQueued}
	cache.SetJob(ctx, job, 5*time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cache.GetJob(ctx, job.ID)
	}
}
