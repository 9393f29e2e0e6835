// Package checkpoint persists job and chunk records. The store is the single
// source of truth for recovery; every write is atomic per record and durable
// before it returns.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/videoinsight/internal/config"
	"github.com/videoinsight/internal/job"
)

// ErrNotFound is returned when a job or chunk record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is a durable mapping of job_id -> Job and (job_id, chunk_id) -> Chunk.
type Store interface {
	PutJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	// ListJobs returns jobs in any of the given statuses (all jobs when none
	// are given), newest first.
	ListJobs(ctx context.Context, statuses ...job.Status) ([]*job.Job, error)

	PutChunk(ctx context.Context, c *job.Chunk) error
	GetChunk(ctx context.Context, jobID string, chunkID int) (*job.Chunk, error)
	// ListChunks returns a job's chunks ordered by ID.
	ListChunks(ctx context.Context, jobID string) ([]*job.Chunk, error)

	Close() error
}

// Open builds the configured backend, wrapped with storage retries.
func Open(cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "sqlite":
		s, err = NewSQLite(cfg.Path)
	case "redis":
		s, err = NewRedis(cfg.RedisURL, cfg.Prefix)
	case "memory":
		s = NewMemory()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return WithRetry(s, nil), nil
}

func sortJobs(jobs []*job.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
}

func sortChunks(chunks []*job.Chunk) {
	sort.Slice(chunks, func(a, b int) bool { return chunks[a].ID < chunks[b].ID })
}

func statusSet(statuses []job.Status) map[job.Status]bool {
	if len(statuses) == 0 {
		return nil
	}
	set := make(map[job.Status]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}
