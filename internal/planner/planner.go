// Package planner splits a media timeline into overlapping chunks.
package planner

import (
	"time"

	"github.com/videoinsight/internal/job"
)

// Span is a half-open time window [StartMs, EndMs).
type Span struct {
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
}

// Validate checks chunk and overlap sizes without a duration.
func Validate(chunkSizeMs, overlapMs int64) error {
	if chunkSizeMs <= 0 {
		return job.InvalidConfig("chunk size must be positive, got %dms", chunkSizeMs)
	}
	if overlapMs <= 0 {
		return job.InvalidConfig("overlap must be positive, got %dms", overlapMs)
	}
	if overlapMs >= chunkSizeMs {
		return job.InvalidConfig("overlap %dms must be smaller than chunk size %dms", overlapMs, chunkSizeMs)
	}
	return nil
}

// Plan returns the chunk spans covering [0, durationMs). Consecutive spans share
// exactly overlapMs; the last span ends at durationMs.
func Plan(durationMs, chunkSizeMs, overlapMs int64) ([]Span, error) {
	if err := Validate(chunkSizeMs, overlapMs); err != nil {
		return nil, err
	}
	if durationMs <= 0 {
		return nil, job.InvalidConfig("media duration must be positive, got %dms", durationMs)
	}

	step := chunkSizeMs - overlapMs
	spans := make([]Span, 0, durationMs/step+1)
	for start := int64(0); ; start += step {
		end := min(start+chunkSizeMs, durationMs)
		spans = append(spans, Span{StartMs: start, EndMs: end})
		if end == durationMs {
			return spans, nil
		}
	}
}

// Chunks materialises spans as Pending chunk records for a job.
func Chunks(jobID string, spans []Span) []*job.Chunk {
	now := time.Now().UTC()
	chunks := make([]*job.Chunk, len(spans))
	for i, s := range spans {
		chunks[i] = &job.Chunk{
			ID:        i,
			JobID:     jobID,
			StartMs:   s.StartMs,
			EndMs:     s.EndMs,
			Status:    job.ChunkPending,
			UpdatedAt: now,
		}
	}
	return chunks
}
