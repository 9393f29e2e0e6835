package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherHandlesNewVideos(t *testing.T) {
	dir := t.TempDir()
	got := make(chan string, 4)

	w, err := New(dir, func(_ context.Context, path string) error {
		got <- filepath.Base(path)
		return nil
	}, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()
	w.settle = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to enter its loop.
	time.Sleep(50 * time.Millisecond)
	for _, name := range []string{"notes.txt", "lecture.mp4"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	select {
	case name := <-got:
		if name != "lecture.mp4" {
			t.Fatalf("handled %s", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("video was not handled")
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("run err = %v", err)
	}
	select {
	case name := <-got:
		t.Fatalf("unexpected extra file handled: %s", name)
	default:
	}
}
