package artifact

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/videoinsight/internal/config"
	"github.com/videoinsight/internal/job"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	out := map[string]Store{"fs": fs}

	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m, err := NewMinIO(ctx, config.MinIOConfig{
			Endpoint:  endpoint,
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    "videoinsight-test",
		})
		if err != nil {
			t.Logf("MinIO not available: %v", err)
		} else {
			out["minio"] = m
		}
	}
	return out
}

func TestPutGetJSON(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			jobID := uuid.New().String()[:8]
			key := ResultKey(jobID, 7)
			want := job.ChunkResult{
				JobID: jobID, ChunkID: 7, StartMs: 100, EndMs: 200,
				Segments: []job.Segment{{Text: "hello", StartMs: 100, EndMs: 150}},
				Analysis: job.Analysis{Keywords: []job.Keyword{{Term: "hello", Count: 1, Score: 1}}},
			}
			if err := PutJSON(ctx, s, key, want); err != nil {
				t.Fatalf("put: %v", err)
			}
			ok, err := s.Exists(ctx, key)
			if err != nil || !ok {
				t.Fatalf("exists = %v, %v", ok, err)
			}
			got, err := GetJSON[job.ChunkResult](ctx, s, key)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.ChunkID != 7 || len(got.Segments) != 1 || got.Segments[0].Text != "hello" {
				t.Fatalf("got %+v", got)
			}

			_, err = s.Get(ctx, ResultKey(jobID, 8))
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	if got := TranscriptKey("abc", 3); got != "jobs/abc/chunks/003.transcript.json" {
		t.Fatalf("transcript key = %s", got)
	}
	if got := TimelineKey("abc"); got != "jobs/abc/timeline.json" {
		t.Fatalf("timeline key = %s", got)
	}
}

func TestFSRejectsEscapingKeys(t *testing.T) {
	fs, _ := NewFS(t.TempDir())
	if err := fs.Put(context.Background(), "../outside.json", []byte("x")); err == nil {
		t.Fatal("expected error for key escaping the root")
	}
}
