package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chronoslabs/chronos-compressor/internal/cache"
	"github.com/chronoslabs/chronos-compressor/internal/compression"
	"github.com/chronoslabs/chronos-compressor/internal/transcoder"
	"github.com/chronoslabs/chronos-compressor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failGet bool
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memStore) UploadBytes(ctx context.Context, name string, data []byte) error {
	return m.Upload(ctx, name, bytes.NewReader(data), int64(len(data)), "application/octet-stream")
}

func (m *memStore) Upload(ctx context.Context, name string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = data
	m.types[name] = contentType
	return nil
}

func (m *memStore) DownloadBytes(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, errors.New("storage unavailable")
	}
	data, ok := m.objects[name]
	if !ok {
		return nil, fmt.Errorf("object %s not found", name)
	}
	return data, nil
}

func (m *memStore) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, name)
	return nil
}

func (m *memStore) GetURL(ctx context.Context, name, fileName string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("https://objects.test/%s?file=%s&expiry=%s", name, fileName, expiry), nil
}

func (m *memStore) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[name]
	return ok
}

type memRepo struct {
	mu       sync.Mutex
	jobs     map[string]models.CompressionJob
	progress []float64
	failGet  bool
}

func newMemRepo() *memRepo {
	return &memRepo{jobs: map[string]models.CompressionJob{}}
}

func (m *memRepo) CreateJob(ctx context.Context, job *models.CompressionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	m.jobs[job.ID] = *job
	return nil
}

func (m *memRepo) GetJob(ctx context.Context, id string) (*models.CompressionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, errors.New("connection refused")
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}

func (m *memRepo) UpdateJob(ctx context.Context, job *models.CompressionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	job.UpdatedAt = time.Now()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memRepo) UpdateJobProgress(ctx context.Context, id string, progress float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = append(m.progress, progress)
	return nil
}

func (m *memRepo) ListJobs(ctx context.Context, limit, offset int) ([]*models.CompressionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.CompressionJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		job := job
		out = append(out, &job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []*models.CompressionJob{}, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

type fakePublisher struct {
	published []string
	err       error
}

func (f *fakePublisher) PublishJob(ctx context.Context, jobID, preset string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, jobID)
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	report    *models.Report
	// hold blocks deliveries until closed
	hold chan struct{}
}

func (f *fakeNotifier) wait(ctx context.Context) error {
	if f.hold == nil {
		return nil
	}
	select {
	case <-f.hold:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeNotifier) NotifyJobCompleted(ctx context.Context, job *models.CompressionJob, report *models.Report) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, job.ID)
	f.report = report
	return nil
}

func (f *fakeNotifier) NotifyJobFailed(ctx context.Context, job *models.CompressionJob) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, job.ID)
	return nil
}

// quarterEncoder writes an output a quarter of the input size
type quarterEncoder struct {
	err    error
	before func()
}

func (e *quarterEncoder) Transcode(ctx context.Context, opts transcoder.TranscodeOptions, cb transcoder.ProgressCallback) error {
	if e.before != nil {
		e.before()
	}
	if e.err != nil {
		return e.err
	}
	input, err := os.ReadFile(opts.InputPath)
	if err != nil {
		return err
	}
	if cb != nil {
		for _, p := range []float64{0, 12.5, 25, 25.4, 50, 75, 100} {
			cb(p)
		}
	}
	return os.WriteFile(opts.OutputPath, input[:len(input)/4], 0600)
}

type fixture struct {
	svc      *Service
	store    *memStore
	repo     *memRepo
	cache    *cache.Cache
	redis    *miniredis.Miniredis
	queue    *fakePublisher
	notifier *fakeNotifier
}

func newFixture(t *testing.T, enc compression.Encoder) *fixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := cache.NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	f := &fixture{
		store:    newMemStore(),
		repo:     newMemRepo(),
		cache:    c,
		redis:    mr,
		queue:    &fakePublisher{},
		notifier: &fakeNotifier{},
	}

	compressor := compression.NewCompressor(enc, compression.Options{TempDir: t.TempDir()}, nil)
	f.svc = NewService(Deps{
		Store:      f.store,
		Repo:       f.repo,
		Cache:      c,
		Queue:      f.queue,
		Notifier:   f.notifier,
		Compressor: compressor,
	}, Config{WorkerID: "worker-test"}, nil)

	return f
}

func TestSubmit(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "holiday.mov", bytes.Repeat([]byte{1}, 4096), "quantum", "https://hooks.test/done")
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, "quantum", job.PresetKey)
	assert.Equal(t, "500k", job.Bitrate)
	assert.Equal(t, int64(4096), job.OriginalSize)
	assert.Equal(t, "jobs/"+job.ID+"/source/holiday.mov", job.SourceKey)
	assert.True(t, f.store.has(job.SourceKey))
	assert.Equal(t, []string{job.ID}, f.queue.published)

	cached, err := f.cache.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, models.JobStatusQueued, cached.Status)
}

func TestSubmitDefaultsPreset(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})

	job, err := f.svc.Submit(context.Background(), "a.mp4", []byte{1, 2, 3}, "", "")
	require.NoError(t, err)
	assert.Equal(t, compression.DefaultPreset().Key, job.PresetKey)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, "a.mp4", []byte{1}, "ultra", "")
	assert.ErrorIs(t, err, ErrInvalidPreset)

	_, err = f.svc.Submit(ctx, "a.mp4", nil, "nebula", "")
	assert.ErrorIs(t, err, compression.ErrEmptyInput)

	_, err = f.svc.Submit(ctx, "a.mp4", []byte{1}, "nebula", "ftp://hooks.test")
	assert.ErrorIs(t, err, ErrInvalidCallback)

	assert.Empty(t, f.queue.published)
	assert.Empty(t, f.repo.jobs)
}

func TestSubmitPublishFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})
	f.queue.err = errors.New("channel closed")

	_, err := f.svc.Submit(context.Background(), "a.mp4", []byte{1, 2}, "nebula", "")
	require.Error(t, err)

	require.Len(t, f.repo.jobs, 1)
	for _, job := range f.repo.jobs {
		assert.Equal(t, models.JobStatusFailed, job.Status)
		assert.Contains(t, job.ErrorMsg, "channel closed")
		assert.False(t, f.store.has(job.SourceKey))
	}
}

func TestSubmitWithoutQueue(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})
	f.svc.deps.Queue = nil

	_, err := f.svc.Submit(context.Background(), "a.mp4", []byte{1}, "nebula", "")
	assert.ErrorIs(t, err, ErrQueueUnavailable)
}

func TestProcessCompletesJob(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "holiday.mov", bytes.Repeat([]byte{7}, 4000), "stellar", "https://hooks.test/done")
	require.NoError(t, err)

	require.NoError(t, f.svc.Process(ctx, job.ID))
	f.svc.Wait()

	stored, err := f.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, "chronos_optimized_holiday.mov", stored.OutputName)
	assert.Equal(t, "jobs/"+job.ID+"/output/chronos_optimized_holiday.mov", stored.OutputKey)
	assert.Equal(t, int64(4000), stored.OriginalSize)
	assert.Equal(t, int64(1000), stored.CompressedSize)
	assert.Equal(t, 100.0, stored.Progress)
	assert.Equal(t, "worker-test", stored.WorkerID)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.CompletedAt)

	assert.True(t, f.store.has(stored.OutputKey))
	assert.Equal(t, "video/mp4", f.store.types[stored.OutputKey])
	assert.False(t, f.store.has(stored.SourceKey), "source should be removed after processing")

	assert.Equal(t, []string{job.ID}, f.notifier.completed)
	require.NotNil(t, f.notifier.report)
	assert.Equal(t, 75.0, f.notifier.report.PercentSaved)
	assert.Equal(t, "Stellar-Quality (Larger File)", f.notifier.report.PresetLabel)

	assert.Equal(t, []float64{0, 25, 50, 75, 100}, f.repo.progress)
	assert.False(t, f.redis.Exists("lock:job:"+job.ID), "lock should be released")
}

func TestProcessEncodingFailureIsTerminal(t *testing.T) {
	f := newFixture(t, &quarterEncoder{err: errors.New("ffmpeg exited with status 1")})
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "broken.avi", []byte{1, 2, 3, 4}, "nebula", "https://hooks.test/done")
	require.NoError(t, err)

	require.NoError(t, f.svc.Process(ctx, job.ID))
	f.svc.Wait()

	stored, err := f.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "encoding failed")
	assert.Contains(t, stored.ErrorMsg, "ffmpeg exited with status 1")
	assert.False(t, f.store.has(stored.SourceKey))
	assert.Equal(t, []string{job.ID}, f.notifier.failed)

	// a redelivered message for a finished job is a no-op
	require.NoError(t, f.svc.Process(ctx, job.ID))
	f.svc.Wait()
	assert.Len(t, f.notifier.failed, 1)
}

func TestProcessStorageFailure(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "a.mp4", []byte{1, 2, 3, 4}, "nebula", "")
	require.NoError(t, err)
	f.store.failGet = true

	require.NoError(t, f.svc.Process(ctx, job.ID))

	stored, _ := f.repo.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "storage unavailable")
}

func TestProcessUnknownJob(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})
	assert.NoError(t, f.svc.Process(context.Background(), "missing"))
}

func TestProcessRepositoryErrorIsReturned(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})
	f.repo.failGet = true
	assert.Error(t, f.svc.Process(context.Background(), "any"))
}

func TestProcessLockedJobIsRetried(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})
	f.svc.cfg.LockTTL = 40 * time.Millisecond
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "a.mp4", []byte{1, 2, 3, 4}, "nebula", "")
	require.NoError(t, err)

	// a live holder keeps its lock for longer than this worker waits
	acquired, err := f.cache.AcquireJobLock(ctx, job.ID, "worker-other", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	err = f.svc.Process(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobLocked)

	stored, _ := f.repo.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
	holder, _ := f.redis.Get("lock:job:" + job.ID)
	assert.Equal(t, "worker-other", holder)
}

func TestProcessTakesOverAbandonedJob(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})
	f.svc.cfg.LockTTL = 200 * time.Millisecond
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "crash.mp4", bytes.Repeat([]byte{9}, 400), "nebula", "https://hooks.test/done")
	require.NoError(t, err)

	// a worker claimed the job and died mid-encode
	stuck, _ := f.repo.GetJob(ctx, job.ID)
	stuck.Status = models.JobStatusProcessing
	stuck.WorkerID = "worker-crashed"
	require.NoError(t, f.repo.UpdateJob(ctx, stuck))
	acquired, err := f.cache.AcquireJobLock(ctx, job.ID, "worker-crashed", f.svc.cfg.LockTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	// nobody refreshes the stale lock, so it runs out
	go func() {
		time.Sleep(15 * time.Millisecond)
		f.redis.FastForward(time.Second)
	}()

	require.NoError(t, f.svc.Process(ctx, job.ID))
	f.svc.Wait()

	stored, _ := f.repo.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, "worker-test", stored.WorkerID)
	assert.Equal(t, []string{job.ID}, f.notifier.completed)
	assert.False(t, f.redis.Exists("lock:job:"+job.ID), "lock should be released")
}

func TestProcessSkipsJobFinishedByLockHolder(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})
	f.svc.cfg.LockTTL = time.Second
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "a.mp4", []byte{1, 2, 3, 4}, "nebula", "https://hooks.test/done")
	require.NoError(t, err)

	acquired, err := f.cache.AcquireJobLock(ctx, job.ID, "worker-other", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	go func() {
		time.Sleep(20 * time.Millisecond)
		done, _ := f.repo.GetJob(ctx, job.ID)
		done.Status = models.JobStatusCompleted
		f.repo.UpdateJob(ctx, done)
		f.cache.ReleaseJobLock(ctx, job.ID, "worker-other")
	}()

	require.NoError(t, f.svc.Process(ctx, job.ID))
	f.svc.Wait()

	assert.Empty(t, f.notifier.completed)
	assert.Empty(t, f.notifier.failed)
}

func TestProcessRefreshesLockWhileEncoding(t *testing.T) {
	var lockHeld bool
	enc := &quarterEncoder{}
	f := newFixture(t, enc)
	f.svc.cfg.LockTTL = 60 * time.Millisecond
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "long.mp4", bytes.Repeat([]byte{5}, 400), "nebula", "")
	require.NoError(t, err)

	// without refreshes the lock would be 90ms old, past its 60ms TTL
	enc.before = func() {
		f.redis.FastForward(45 * time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		f.redis.FastForward(45 * time.Millisecond)
		lockHeld = f.redis.Exists("lock:job:" + job.ID)
	}

	require.NoError(t, f.svc.Process(ctx, job.ID))
	assert.True(t, lockHeld, "lock should be refreshed during the encode")
}

func TestProcessDoesNotWaitForWebhook(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})
	f.notifier.hold = make(chan struct{})
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "a.mp4", []byte{1, 2, 3, 4}, "nebula", "https://hooks.test/done")
	require.NoError(t, err)

	processed := make(chan error, 1)
	go func() { processed <- f.svc.Process(ctx, job.ID) }()

	select {
	case err := <-processed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Process blocked on webhook delivery")
	}

	stored, _ := f.repo.GetJob(ctx, job.ID)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)

	close(f.notifier.hold)
	f.svc.Wait()
	assert.Equal(t, []string{job.ID}, f.notifier.completed)
}

func TestWebhookDeliveryHasItsOwnTimeout(t *testing.T) {
	f := newFixture(t, &quarterEncoder{err: errors.New("bad input")})
	f.notifier.hold = make(chan struct{})
	f.svc.cfg.WebhookTimeout = 20 * time.Millisecond
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "a.mp4", []byte{1, 2, 3, 4}, "nebula", "https://hooks.test/done")
	require.NoError(t, err)
	require.NoError(t, f.svc.Process(ctx, job.ID))

	waited := make(chan struct{})
	go func() {
		f.svc.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("Webhook delivery outlived its timeout")
	}
	assert.Empty(t, f.notifier.failed)
}

func TestGetUsesCacheThenRepository(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "a.mp4", []byte{1, 2, 3, 4}, "nebula", "")
	require.NoError(t, err)

	f.redis.FlushAll()

	got, err := f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	cached, err := f.cache.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, cached, "repository hit should refill the cache")

	_, err = f.svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestGetMergesLiveProgress(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})
	ctx := context.Background()

	job := &models.CompressionJob{ID: "job-live", Status: models.JobStatusProcessing, Progress: 10}
	require.NoError(t, f.repo.CreateJob(ctx, job))
	require.NoError(t, f.cache.SetJobProgress(ctx, job.ID, 42.5, time.Minute))

	got, err := f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 42.5, got.Progress)
}

func TestDownloadURL(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "clip.webm", []byte{1, 2, 3, 4}, "quantum", "")
	require.NoError(t, err)

	_, err = f.svc.DownloadURL(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotCompleted)

	require.NoError(t, f.svc.Process(ctx, job.ID))

	u, err := f.svc.DownloadURL(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, u, "jobs/"+job.ID+"/output/chronos_optimized_clip.webm")
	assert.Contains(t, u, "file=chronos_optimized_clip.webm")

	_, err = f.svc.DownloadURL(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestList(t *testing.T) {
	f := newFixture(t, &quarterEncoder{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.Submit(ctx, fmt.Sprintf("v%d.mp4", i), []byte{1}, "nebula", "")
		require.NoError(t, err)
	}

	jobs, err := f.svc.List(ctx, 2, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}
