// Package artifact stores chunk transcripts, chunk results and stitched
// timelines outside the checkpoint records that reference them.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/videoinsight/internal/config"
)

// ErrNotFound is returned when no object exists under a key.
var ErrNotFound = errors.New("artifact not found")

// Store is a flat key/value blob store. Put must be durable and all-or-nothing.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg config.ArtifactsConfig) (Store, error) {
	switch cfg.Driver {
	case "", "fs":
		return NewFS(cfg.Dir)
	case "minio":
		return NewMinIO(ctx, cfg.MinIO)
	default:
		return nil, fmt.Errorf("unknown artifacts driver %q", cfg.Driver)
	}
}

func TranscriptKey(jobID string, chunkID int) string {
	return fmt.Sprintf("jobs/%s/chunks/%03d.transcript.json", jobID, chunkID)
}

func ResultKey(jobID string, chunkID int) string {
	return fmt.Sprintf("jobs/%s/chunks/%03d.result.json", jobID, chunkID)
}

func TimelineKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/timeline.json", jobID)
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// GetJSON loads key and decodes it into a T.
func GetJSON[T any](ctx context.Context, s Store, key string) (*T, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}
