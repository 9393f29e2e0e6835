package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/videoinsight/internal/artifact"
	"github.com/videoinsight/internal/checkpoint"
	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/pkg/logger"
)

// DefaultMaxAttempts applies when a job config leaves MaxAttempts unset.
const DefaultMaxAttempts = 3

// TranscribeRequest asks for the transcript of one media slice.
type TranscribeRequest struct {
	MediaPath string
	StartMs   int64
	EndMs     int64
	Quality   string
	Language  string
}

// Transcriber turns a media slice into segments with absolute timestamps.
// Errors should be *job.Error with Retryable set by the implementation.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) ([]job.Segment, error)
}

// Analyzer extracts keywords, entities and topic boundaries from segments.
type Analyzer interface {
	Analyze(ctx context.Context, segments []job.Segment) (job.Analysis, error)
}

// ChunkRunner runs the transcribe → analyze pipeline for one chunk and
// checkpoints every state change before returning.
type ChunkRunner struct {
	store       checkpoint.Store
	artifacts   artifact.Store
	transcriber Transcriber
	analyzer    Analyzer
	log         *zap.SugaredLogger
}

func NewChunkRunner(store checkpoint.Store, artifacts artifact.Store, t Transcriber, a Analyzer) *ChunkRunner {
	return &ChunkRunner{
		store:       store,
		artifacts:   artifacts,
		transcriber: t,
		analyzer:    a,
		log:         logger.Named("worker"),
	}
}

// Process runs one attempt. The returned chunk is what was last persisted.
// A non-nil error means a checkpoint write failed and the job cannot proceed.
func (r *ChunkRunner) Process(ctx context.Context, t Task) (*job.Chunk, error) {
	c := t.Chunk.Clone()
	// Writes outlive job cancellation so an attempt never ends unpersisted.
	persistCtx := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		if err := c.Transition(job.ChunkPending); err != nil {
			return c, err
		}
		r.log.Debugf("↩️ %s returned unstarted", c)
		return c, r.persist(persistCtx, c)
	}

	attemptCtx := persistCtx
	if timeout := t.Job.Config.AttemptTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(persistCtx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := r.attempt(attemptCtx, persistCtx, t, c)
	if err == nil {
		r.log.Infof("✅ %s analyzed in %s", c, time.Since(start).Round(time.Millisecond))
		return c, nil
	}
	if job.IsKind(err, job.KindStorage) {
		r.log.Errorf("❌ %s checkpoint failed: %v", c, err)
		return c, err
	}

	maxAttempts := t.Job.Config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	c.AttemptCount++
	c.LastError = err.Error()

	next := job.ChunkFailed
	if job.IsRetryable(err) && c.AttemptCount < maxAttempts {
		next = job.ChunkPending
	}
	if terr := c.Transition(next); terr != nil {
		return c, terr
	}
	if next == job.ChunkPending {
		r.log.Warnf("⚠️ %s attempt %d/%d failed, will retry: %v", c, c.AttemptCount, maxAttempts, err)
	} else {
		r.log.Errorf("❌ %s failed after %d attempt(s): %v", c, c.AttemptCount, err)
	}
	return c, r.persist(persistCtx, c)
}

func (r *ChunkRunner) attempt(ctx, persistCtx context.Context, t Task, c *job.Chunk) error {
	segments, err := r.transcript(ctx, persistCtx, t, c)
	if err != nil {
		return err
	}

	analysis, err := r.analyzer.Analyze(ctx, segments)
	if err != nil {
		return classify(job.KindAnalysis, "analyze", err)
	}

	key := artifact.ResultKey(c.JobID, c.ID)
	result := job.ChunkResult{
		JobID:    c.JobID,
		ChunkID:  c.ID,
		StartMs:  c.StartMs,
		EndMs:    c.EndMs,
		Segments: segments,
		Analysis: analysis,
		Quality:  job.MeasureQuality(segments),
	}
	if err := artifact.PutJSON(persistCtx, r.artifacts, key, result); err != nil {
		return job.StorageError("put result", err)
	}

	if err := c.Transition(job.ChunkAnalyzed); err != nil {
		return err
	}
	// LastError stays for diagnostics after a successful retry.
	c.ResultRef = key
	return r.persist(persistCtx, c)
}

// transcript returns the chunk's segments, reusing a checkpointed transcript
// when one exists.
func (r *ChunkRunner) transcript(ctx, persistCtx context.Context, t Task, c *job.Chunk) ([]job.Segment, error) {
	if c.TranscriptRef != "" {
		segs, err := artifact.GetJSON[[]job.Segment](persistCtx, r.artifacts, c.TranscriptRef)
		if err == nil {
			r.log.Debugf("♻️ %s reusing transcript %s", c, c.TranscriptRef)
			return *segs, nil
		}
		if !errors.Is(err, artifact.ErrNotFound) {
			return nil, job.StorageError("get transcript", err)
		}
		r.log.Warnf("⚠️ %s transcript %s missing, transcribing again", c, c.TranscriptRef)
		c.TranscriptRef = ""
	}

	segments, err := r.transcriber.Transcribe(ctx, TranscribeRequest{
		MediaPath: t.MediaPath,
		StartMs:   c.StartMs,
		EndMs:     c.EndMs,
		Quality:   t.Job.Config.Quality,
		Language:  t.Job.Config.Language,
	})
	if err != nil {
		return nil, classify(job.KindTranscription, "transcribe", err)
	}
	if segments == nil {
		segments = []job.Segment{}
	}

	key := artifact.TranscriptKey(c.JobID, c.ID)
	if err := artifact.PutJSON(persistCtx, r.artifacts, key, segments); err != nil {
		return nil, job.StorageError("put transcript", err)
	}
	if err := c.Transition(job.ChunkTranscribed); err != nil {
		return nil, err
	}
	c.TranscriptRef = key
	if err := r.persist(persistCtx, c); err != nil {
		return nil, err
	}
	return segments, nil
}

func (r *ChunkRunner) persist(ctx context.Context, c *job.Chunk) error {
	c.UpdatedAt = time.Now().UTC()
	if err := r.store.PutChunk(ctx, c); err != nil {
		if job.IsKind(err, job.KindStorage) {
			return err
		}
		return job.StorageError(fmt.Sprintf("put chunk %d", c.ID), err)
	}
	return nil
}

// classify keeps collaborator errors that already carry a kind and wraps the
// rest. Only deadline expiry is treated as transient for unclassified errors.
func classify(kind job.Kind, op string, err error) error {
	if job.KindOf(err) != "" {
		return err
	}
	retryable := errors.Is(err, context.DeadlineExceeded)
	switch kind {
	case job.KindAnalysis:
		return job.AnalysisError(op, retryable, err)
	default:
		return job.TranscriptionError(op, retryable, err)
	}
}
