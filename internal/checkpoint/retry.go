package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/internal/retry"
	"github.com/videoinsight/pkg/logger"
)

// retrying retries failed backend calls with backoff and reports exhaustion
// as a storage error. Missing records are answers, not failures.
type retrying struct {
	Store
	cfg *retry.Config
}

// WithRetry wraps s so every call is retried per cfg (retry.StorageConfig when nil).
func WithRetry(s Store, cfg *retry.Config) Store {
	if cfg == nil {
		cfg = retry.StorageConfig()
	}
	c := *cfg
	c.Retryable = func(err error) bool {
		return !errors.Is(err, ErrNotFound) && !errors.Is(err, context.DeadlineExceeded)
	}
	return &retrying{Store: s, cfg: &c}
}

func (r *retrying) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, r.cfg, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && attempt <= r.cfg.MaxRetries && r.cfg.Retryable(err) {
			logger.Warnf("⚠️ Store %s failed (attempt %d/%d): %v", op, attempt, r.cfg.MaxRetries+1, err)
		}
		return err
	})
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return job.StorageError(op, err)
}

func (r *retrying) PutJob(ctx context.Context, j *job.Job) error {
	return r.do(ctx, "put job", func(ctx context.Context) error { return r.Store.PutJob(ctx, j) })
}

func (r *retrying) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var out *job.Job
	err := r.do(ctx, "get job", func(ctx context.Context) error {
		var err error
		out, err = r.Store.GetJob(ctx, id)
		return err
	})
	return out, err
}

func (r *retrying) ListJobs(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	var out []*job.Job
	err := r.do(ctx, "list jobs", func(ctx context.Context) error {
		var err error
		out, err = r.Store.ListJobs(ctx, statuses...)
		return err
	})
	return out, err
}

func (r *retrying) PutChunk(ctx context.Context, c *job.Chunk) error {
	return r.do(ctx, fmt.Sprintf("put chunk %d", c.ID), func(ctx context.Context) error { return r.Store.PutChunk(ctx, c) })
}

func (r *retrying) GetChunk(ctx context.Context, jobID string, chunkID int) (*job.Chunk, error) {
	var out *job.Chunk
	err := r.do(ctx, "get chunk", func(ctx context.Context) error {
		var err error
		out, err = r.Store.GetChunk(ctx, jobID, chunkID)
		return err
	})
	return out, err
}

func (r *retrying) ListChunks(ctx context.Context, jobID string) ([]*job.Chunk, error) {
	var out []*job.Chunk
	err := r.do(ctx, "list chunks", func(ctx context.Context) error {
		var err error
		out, err = r.Store.ListChunks(ctx, jobID)
		return err
	})
	return out, err
}
