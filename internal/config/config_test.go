package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chunking.ChunkSizeMs != 1800000 || cfg.Chunking.OverlapMs != 5000 {
		t.Fatalf("chunking = %+v", cfg.Chunking)
	}
	if cfg.Workers.Concurrency != 2 || cfg.Workers.MaxAttempts != 3 {
		t.Fatalf("workers = %+v", cfg.Workers)
	}
	if cfg.Workers.AttemptTimeout != 30*time.Minute {
		t.Fatalf("attempt timeout = %v", cfg.Workers.AttemptTimeout)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Artifacts.Driver != "fs" {
		t.Fatalf("drivers = %s/%s", cfg.Store.Driver, cfg.Artifacts.Driver)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
chunking:
  chunk_size_ms: 600000
  overlap_ms: 10000
workers:
  concurrency: 4
  attempt_timeout: 90s
transcription:
  quality: high
notes:
  detail: comprehensive
`)
	t.Setenv("VIDEOINSIGHT_WORKERS_MAX_ATTEMPTS", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chunking.ChunkSizeMs != 600000 || cfg.Chunking.OverlapMs != 10000 {
		t.Fatalf("chunking = %+v", cfg.Chunking)
	}
	if cfg.Workers.Concurrency != 4 || cfg.Workers.MaxAttempts != 5 {
		t.Fatalf("workers = %+v", cfg.Workers)
	}

	snap := cfg.JobDefaults()
	if snap.Quality != "high" || snap.Detail != "comprehensive" || snap.MaxAttempts != 5 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.AttemptTimeoutMs != 90000 {
		t.Fatalf("attempt timeout ms = %d", snap.AttemptTimeoutMs)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"overlap too large", "chunking:\n  chunk_size_ms: 1000\n  overlap_ms: 1000\n", "overlap_ms"},
		{"unknown store", "store:\n  driver: postgres\n", "store.driver"},
		{"redis without url", "store:\n  driver: redis\n", "redis_url"},
		{"openai without key", "transcription:\n  provider: openai\n", "api_key"},
		{"gemini without keys", "analysis:\n  provider: gemini\n", "api_keys"},
		{"minio without endpoint", "artifacts:\n  driver: minio\n", "minio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, t.TempDir(), tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "workers:\n  concurrency: 2\n")

	m, err := NewManager(path, 0)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	defer m.Stop()

	var gotOld, gotNew int
	m.OnChange(func(old, cur *Config) {
		gotOld = old.Workers.Concurrency
		gotNew = cur.Workers.Concurrency
	})

	writeConfig(t, dir, "workers:\n  concurrency: 6\n")
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	m.checkForChanges()

	if m.Get().Workers.Concurrency != 6 {
		t.Fatalf("concurrency = %d after reload, want 6", m.Get().Workers.Concurrency)
	}
	if gotOld != 2 || gotNew != 6 {
		t.Fatalf("callback got %d -> %d", gotOld, gotNew)
	}
}
