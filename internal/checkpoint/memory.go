package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/videoinsight/internal/job"
)

// Memory is a non-durable Store for tests and dry runs.
type Memory struct {
	mu     sync.RWMutex
	jobs   map[string]*job.Job
	chunks map[string]map[int]*job.Chunk
}

func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[string]*job.Job),
		chunks: make(map[string]map[int]*job.Chunk),
	}
}

func (m *Memory) PutJob(ctx context.Context, j *job.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j.Clone(), nil
}

func (m *Memory) ListJobs(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	want := statusSet(statuses)

	m.mu.RLock()
	out := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if want == nil || want[j.Status] {
			out = append(out, j.Clone())
		}
	}
	m.mu.RUnlock()

	sortJobs(out)
	return out, nil
}

func (m *Memory) PutChunk(ctx context.Context, c *job.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.chunks[c.JobID]
	if !ok {
		byID = make(map[int]*job.Chunk)
		m.chunks[c.JobID] = byID
	}
	byID[c.ID] = c.Clone()
	return nil
}

func (m *Memory) GetChunk(ctx context.Context, jobID string, chunkID int) (*job.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chunks[jobID][chunkID]
	if !ok {
		return nil, fmt.Errorf("chunk %s/%d: %w", jobID, chunkID, ErrNotFound)
	}
	return c.Clone(), nil
}

func (m *Memory) ListChunks(ctx context.Context, jobID string) ([]*job.Chunk, error) {
	m.mu.RLock()
	out := make([]*job.Chunk, 0, len(m.chunks[jobID]))
	for _, c := range m.chunks[jobID] {
		out = append(out, c.Clone())
	}
	m.mu.RUnlock()

	sortChunks(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }
