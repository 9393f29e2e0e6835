package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/internal/retry"
)

func getTestRedisURL() string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	return url
}

// backends returns every Store implementation available in this environment.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewMemory()}

	sq, err := NewSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	out["sqlite"] = sq

	rd, err := NewRedis(getTestRedisURL(), "videoinsight-test-"+uuid.New().String()[:8])
	if err == nil {
		out["redis"] = rd
	} else {
		t.Logf("Redis not available, skipping redis backend: %v", err)
	}

	t.Cleanup(func() {
		for _, s := range out {
			s.Close()
		}
	})
	return out
}

func newTestJob(id string, created time.Time, status job.Status) *job.Job {
	j := job.New(id, "https://example.com/"+id, job.Config{ChunkSizeMs: 1000, OverlapMs: 100, Quality: "medium", MaxAttempts: 3})
	j.Status = status
	j.CreatedAt = created
	j.UpdatedAt = created
	return j
}

func TestStoreJobRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j := newTestJob("job-rt", time.Now().UTC().Truncate(time.Millisecond), job.StatusChunked)
			j.Media = &job.Media{Path: "/tmp/a.m4a", DurationMs: 3600000, Title: "Talk", Metadata: map[string]string{"id": "abc"}}

			if err := s.PutJob(ctx, j); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := s.GetJob(ctx, j.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != job.StatusChunked || got.SourceRef != j.SourceRef || got.Config != j.Config {
				t.Fatalf("got %+v", got)
			}
			if got.Media == nil || got.Media.DurationMs != 3600000 || got.Media.Metadata["id"] != "abc" {
				t.Fatalf("media = %+v", got.Media)
			}
			if !got.CreatedAt.Equal(j.CreatedAt) {
				t.Fatalf("created_at = %v, want %v", got.CreatedAt, j.CreatedAt)
			}

			j.Status = job.StatusFailed
			j.Error = &job.ErrorInfo{Kind: job.KindAcquisition, Message: "gone"}
			if err := s.PutJob(ctx, j); err != nil {
				t.Fatalf("update: %v", err)
			}
			got, _ = s.GetJob(ctx, j.ID)
			if got.Status != job.StatusFailed || got.Error == nil || got.Error.Kind != job.KindAcquisition {
				t.Fatalf("after update: %+v", got)
			}

			if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing job err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreListJobsByStatus(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Second)
			jobs := []*job.Job{
				newTestJob("a", base, job.StatusProcessing),
				newTestJob("b", base.Add(time.Minute), job.StatusCompleted),
				newTestJob("c", base.Add(2*time.Minute), job.StatusDownloading),
			}
			for _, j := range jobs {
				if err := s.PutJob(ctx, j); err != nil {
					t.Fatalf("put %s: %v", j.ID, err)
				}
			}

			got, err := s.ListJobs(ctx, job.StatusProcessing, job.StatusDownloading)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
				t.Fatalf("list = %v", ids(got))
			}

			// A status change moves the job between indexes.
			jobs[0].Status = job.StatusStitching
			if err := s.PutJob(ctx, jobs[0]); err != nil {
				t.Fatalf("update: %v", err)
			}
			got, _ = s.ListJobs(ctx, job.StatusProcessing)
			if len(got) != 0 {
				t.Fatalf("processing after move = %v", ids(got))
			}

			all, _ := s.ListJobs(ctx)
			if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
				t.Fatalf("all = %v", ids(all))
			}
		})
	}
}

func TestStoreChunks(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 4; i >= 0; i-- {
				c := &job.Chunk{ID: i, JobID: "job-c", StartMs: int64(i) * 900, EndMs: int64(i)*900 + 1000,
					Status: job.ChunkPending, UpdatedAt: time.Now().UTC()}
				if err := s.PutChunk(ctx, c); err != nil {
					t.Fatalf("put chunk %d: %v", i, err)
				}
			}

			c, err := s.GetChunk(ctx, "job-c", 2)
			if err != nil {
				t.Fatalf("get chunk: %v", err)
			}
			c.Status = job.ChunkAnalyzed
			c.AttemptCount = 2
			c.LastError = "timeout"
			c.ResultRef = "jobs/job-c/chunks/002.result.json"
			if err := s.PutChunk(ctx, c); err != nil {
				t.Fatalf("update chunk: %v", err)
			}

			list, err := s.ListChunks(ctx, "job-c")
			if err != nil {
				t.Fatalf("list chunks: %v", err)
			}
			if len(list) != 5 {
				t.Fatalf("len = %d, want 5", len(list))
			}
			for i, ch := range list {
				if ch.ID != i {
					t.Fatalf("chunk %d out of order: id %d", i, ch.ID)
				}
			}
			got := list[2]
			if got.Status != job.ChunkAnalyzed || got.AttemptCount != 2 || got.LastError != "timeout" || got.ResultRef == "" {
				t.Fatalf("chunk 2 = %+v", got)
			}

			if _, err := s.GetChunk(ctx, "job-c", 99); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing chunk err = %v", err)
			}
			empty, err := s.ListChunks(ctx, "nope")
			if err != nil || len(empty) != 0 {
				t.Fatalf("empty list = %v, %v", empty, err)
			}
		})
	}
}

// TestStoreConcurrentChunkWriters checks distinct records never clobber each other.
func TestStoreConcurrentChunkWriters(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 16
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					c := &job.Chunk{ID: id, JobID: "job-p", Status: job.ChunkPending}
					for _, st := range []job.ChunkStatus{job.ChunkInProgress, job.ChunkTranscribed, job.ChunkAnalyzed} {
						c.Status = st
						c.UpdatedAt = time.Now().UTC()
						if err := s.PutChunk(ctx, c); err != nil {
							errs <- err
							return
						}
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("concurrent put: %v", err)
			}

			list, _ := s.ListChunks(ctx, "job-p")
			if len(list) != n {
				t.Fatalf("len = %d, want %d", len(list), n)
			}
			for _, c := range list {
				if c.Status != job.ChunkAnalyzed {
					t.Fatalf("chunk %d status = %s", c.ID, c.Status)
				}
			}
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := s.PutJob(ctx, newTestJob("durable", time.Now().UTC(), job.StatusProcessing)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutChunk(ctx, &job.Chunk{ID: 0, JobID: "durable", Status: job.ChunkAnalyzed, UpdatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("put chunk: %v", err)
	}
	s.Close()

	s2, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.ListJobs(ctx, job.StatusProcessing)
	if err != nil || len(got) != 1 || got[0].ID != "durable" {
		t.Fatalf("after reopen: %v, %v", ids(got), err)
	}
	c, err := s2.GetChunk(ctx, "durable", 0)
	if err != nil || c.Status != job.ChunkAnalyzed {
		t.Fatalf("chunk after reopen: %+v, %v", c, err)
	}
}

// flakyStore fails the first n writes.
type flakyStore struct {
	Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) PutChunk(ctx context.Context, c *job.Chunk) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("database is locked")
	}
	return f.Store.PutChunk(ctx, c)
}

func fastRetry(n int) *retry.Config {
	return &retry.Config{MaxRetries: n, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffFactor: 2}
}

func TestSQLiteSingleConnectionWAL(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if got := s.db.Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("max open conns = %d, want 1", got)
	}
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal mode = %q, want wal", mode)
	}
}

func TestWithRetryRecovers(t *testing.T) {
	inner := &flakyStore{Store: NewMemory(), failures: 2}
	s := WithRetry(inner, fastRetry(3))
	if err := s.PutChunk(context.Background(), &job.Chunk{ID: 1, JobID: "j"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("calls = %d, want 3", inner.calls)
	}
}

func TestWithRetrySurfacesStorageError(t *testing.T) {
	inner := &flakyStore{Store: NewMemory(), failures: 100}
	s := WithRetry(inner, fastRetry(2))
	err := s.PutChunk(context.Background(), &job.Chunk{ID: 1, JobID: "j"})
	if !job.IsKind(err, job.KindStorage) {
		t.Fatalf("err = %v, want storage error", err)
	}
	if inner.calls != 3 {
		t.Fatalf("calls = %d, want 3", inner.calls)
	}
}

func TestWithRetryDoesNotRetryNotFound(t *testing.T) {
	s := WithRetry(NewMemory(), fastRetry(5))
	_, err := s.GetJob(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if job.IsKind(err, job.KindStorage) {
		t.Fatal("not found must not be reported as a storage failure")
	}
}

func ids(jobs []*job.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
