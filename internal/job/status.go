package job

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusCreated      Status = "created"
	StatusDownloading  Status = "downloading"
	StatusChunked      Status = "chunked"
	StatusProcessing   Status = "processing"
	StatusStitching    Status = "stitching"
	StatusSynthesizing Status = "synthesizing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// AllStatuses lists job statuses in pipeline order.
var AllStatuses = []Status{
	StatusCreated, StatusDownloading, StatusChunked, StatusProcessing, StatusStitching,
	StatusSynthesizing, StatusCompleted, StatusFailed, StatusCancelled,
}

// ResumableStatuses are the states an interrupted job can be picked up from.
var ResumableStatuses = []Status{
	StatusCreated, StatusDownloading, StatusChunked, StatusProcessing, StatusStitching, StatusSynthesizing,
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// ChunkStatus is the lifecycle state of a chunk.
type ChunkStatus string

const (
	ChunkPending     ChunkStatus = "pending"
	ChunkInProgress  ChunkStatus = "in_progress"
	ChunkTranscribed ChunkStatus = "transcribed"
	ChunkAnalyzed    ChunkStatus = "analyzed"
	ChunkFailed      ChunkStatus = "failed"
	ChunkSkipped     ChunkStatus = "skipped"
)

// Done reports whether the chunk contributes its final state to a stitch.
func (s ChunkStatus) Done() bool {
	return s == ChunkAnalyzed || s == ChunkSkipped
}

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("invalid transition")

var jobTransitions = map[Status][]Status{
	StatusCreated:      {StatusDownloading, StatusFailed, StatusCancelled},
	StatusDownloading:  {StatusChunked, StatusFailed, StatusCancelled},
	StatusChunked:      {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing:   {StatusProcessing, StatusStitching, StatusFailed, StatusCancelled},
	StatusStitching:    {StatusSynthesizing, StatusFailed, StatusCancelled},
	StatusSynthesizing: {StatusCompleted, StatusFailed, StatusCancelled},
	// Reopen paths.
	StatusCancelled: {StatusCreated, StatusChunked},
	StatusFailed:    {StatusCreated, StatusChunked},
}

var chunkTransitions = map[ChunkStatus][]ChunkStatus{
	ChunkPending:     {ChunkInProgress},
	ChunkInProgress:  {ChunkTranscribed, ChunkAnalyzed, ChunkPending, ChunkFailed},
	ChunkTranscribed: {ChunkInProgress, ChunkAnalyzed, ChunkPending, ChunkFailed},
	ChunkFailed:      {ChunkInProgress, ChunkPending, ChunkSkipped},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionChunk reports whether a chunk may move from one status to another.
func CanTransitionChunk(from, to ChunkStatus) bool {
	if from == to {
		return true
	}
	for _, s := range chunkTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a status change.
func (j *Job) Transition(to Status) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: job %s %s -> %s", ErrInvalidTransition, j.ID, j.Status, to)
	}
	j.Status = to
	return nil
}

// Transition validates and applies a chunk status change.
func (c *Chunk) Transition(to ChunkStatus) error {
	if !CanTransitionChunk(c.Status, to) {
		return fmt.Errorf("%w: chunk %s %s -> %s", ErrInvalidTransition, c, c.Status, to)
	}
	c.Status = to
	return nil
}

// Counts tallies chunks by status.
type Counts struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	InProgress  int `json:"in_progress"`
	Transcribed int `json:"transcribed"`
	Analyzed    int `json:"analyzed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
}

// CountChunks tallies chunks by status.
func CountChunks(chunks []*Chunk) Counts {
	var c Counts
	for _, ch := range chunks {
		c.Total++
		switch ch.Status {
		case ChunkPending:
			c.Pending++
		case ChunkInProgress:
			c.InProgress++
		case ChunkTranscribed:
			c.Transcribed++
		case ChunkAnalyzed:
			c.Analyzed++
		case ChunkFailed:
			c.Failed++
		case ChunkSkipped:
			c.Skipped++
		}
	}
	return c
}
