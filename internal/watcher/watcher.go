// Package watcher turns video files dropped into a folder into jobs.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/videoinsight/internal/fileops"
	"github.com/videoinsight/pkg/logger"
)

// DefaultSettle is how long a new file is left alone before it is handed
// over, so the writer can finish.
const DefaultSettle = 500 * time.Millisecond

// Handler is called once per new video file.
type Handler func(ctx context.Context, path string) error

// Watcher monitors a directory for new video files.
type Watcher struct {
	dir       string
	handler   Handler
	settle    time.Duration
	watcher   *fsnotify.Watcher
	semaphore chan struct{}
	wg        sync.WaitGroup
	log       *zap.SugaredLogger
}

// New watches dir. At most maxConcurrent handler calls run at once.
func New(dir string, handler Handler, maxConcurrent int) (*Watcher, error) {
	if err := fileops.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create watch dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("add watch path: %w", err)
	}

	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Watcher{
		dir:       dir,
		handler:   handler,
		settle:    DefaultSettle,
		watcher:   fw,
		semaphore: make(chan struct{}, maxConcurrent),
		log:       logger.Named("watcher"),
	}, nil
}

// Run handles Create events until ctx ends, then waits for in-flight handlers.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Infof("👀 Watching %s for new videos", w.dir)
	defer w.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("👀 Watcher stopped")
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			if !fileops.IsVideoFile(event.Name) {
				w.log.Debugf("Ignoring non-video file: %s", event.Name)
				continue
			}
			w.log.Infof("🎞️ New video detected: %s", event.Name)
			w.wg.Add(1)
			go w.handle(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.log.Errorf("❌ Watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	defer w.wg.Done()

	select {
	case <-time.After(w.settle):
	case <-ctx.Done():
		return
	}

	select {
	case w.semaphore <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-w.semaphore }()

	if err := w.handler(ctx, path); err != nil {
		w.log.Errorf("❌ Failed to submit %s: %v", path, err)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
