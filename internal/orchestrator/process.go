package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/videoinsight/internal/fileops"
	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/internal/retry"
	"github.com/videoinsight/internal/worker"
)

// process fans eligible chunks out to the pool and collects outcomes until
// every chunk is Analyzed or Failed. Transient failures are resubmitted with
// backoff. Once the run context ends nothing new is submitted, but outcomes
// are still drained so no attempt is left behind in the pool.
func (o *Orchestrator) process(ctx context.Context, j *job.Job) (*job.Job, error) {
	wctx := context.WithoutCancel(ctx)
	step := startStep("Chunks")

	if j.Media == nil || !fileops.Exists(j.Media.Path) {
		o.log.Infof("📥 Media not available locally, fetching again: %s", j.SourceRef)
		media, err := o.fetch(ctx, j)
		if err != nil {
			return nil, err
		}
		if j, err = o.advance(wctx, j.ID, job.StatusProcessing, func(cur *job.Job) { cur.Media = media }); err != nil {
			return nil, err
		}
	}

	chunks, err := o.store.ListChunks(wctx, j.ID)
	if err != nil {
		return nil, job.StorageError("list chunks", err)
	}
	if len(chunks) == 0 {
		return nil, job.ChunksError(fmt.Errorf("job %s has no chunks", j.ID))
	}

	maxAttempts := j.Config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = worker.DefaultMaxAttempts
	}
	backoff := &retry.Config{
		InitialBackoff: o.opts.RetryDelay,
		MaxBackoff:     20 * o.opts.RetryDelay,
		BackoffFactor:  2.0,
		Jitter:         true,
	}

	state := make(map[int]*job.Chunk, len(chunks))
	reply := make(chan worker.Outcome, len(chunks))
	outstanding := 0

	var fatal error
	stopping := false
	stop := func(err error) {
		if fatal == nil {
			fatal = err
		}
		stopping = true
	}

	submit := func(c *job.Chunk, delay time.Duration) error {
		if err := c.Transition(job.ChunkInProgress); err != nil {
			return err
		}
		c.UpdatedAt = time.Now().UTC()
		if err := o.store.PutChunk(wctx, c); err != nil {
			return job.StorageError("submit chunk", err)
		}
		state[c.ID] = c
		task := worker.Task{Ctx: ctx, Job: j, Chunk: c.Clone(), MediaPath: j.Media.Path, Reply: reply}
		if delay > 0 {
			o.pool.SubmitAfter(delay, task)
		} else if err := o.pool.Submit(task); err != nil {
			return err
		}
		outstanding++
		return nil
	}

	for _, c := range chunks {
		state[c.ID] = c
		if stopping {
			continue
		}
		switch c.Status {
		case job.ChunkInProgress:
			// Attempt interrupted by a crash; it does not count.
			o.log.Infof("♻️ Reclaiming interrupted chunk %s", c)
		case job.ChunkPending, job.ChunkTranscribed:
		case job.ChunkFailed:
			if c.AttemptCount >= maxAttempts {
				continue
			}
		default:
			continue
		}
		if err := submit(c, 0); err != nil {
			stop(err)
		}
	}

	counts := countOf(state)
	o.log.Infof("🧩 Processing %d/%d chunks (%d already analyzed)", outstanding, counts.Total, counts.Analyzed)

	done := ctx.Done()
	for outstanding > 0 {
		select {
		case <-done:
			done = nil
			stop(nil)
			o.log.Infof("⏸️ No more chunks will be submitted for %s: %v", j.ID, context.Cause(ctx))

		case out := <-reply:
			outstanding--
			c := out.Chunk
			state[c.ID] = c

			if out.Err != nil {
				if errors.Is(out.Err, worker.ErrStopped) {
					o.returnChunk(wctx, c)
				}
				stop(out.Err)
				continue
			}

			counts = countOf(state)
			o.events.Publish(Event{JobID: j.ID, Status: job.StatusProcessing, Counts: counts, Chunk: c.Clone()})

			switch c.Status {
			case job.ChunkAnalyzed:
				o.log.Infof("✅ Chunk %s analyzed (%d/%d)", c, counts.Analyzed, counts.Total)
			case job.ChunkFailed:
				o.log.Warnf("⚠️ Chunk %s failed after %d attempt(s): %s", c, c.AttemptCount, c.LastError)
			case job.ChunkPending:
				if stopping || ctx.Err() != nil {
					continue
				}
				delay := retry.Backoff(max(c.AttemptCount-1, 0), backoff)
				o.log.Infof("🔁 Retrying chunk %s in %s (attempt %d/%d): %s",
					c, formatDuration(delay), c.AttemptCount+1, maxAttempts, c.LastError)
				if err := submit(c, delay); err != nil {
					stop(err)
				}
				continue
			}

			if stopping {
				continue
			}
			// Touch the job; this is also where a cancel from another process shows up.
			if _, err := o.advance(wctx, j.ID, job.StatusProcessing, nil); err != nil {
				if errors.Is(err, ErrCancelled) {
					o.cancelRun(j.ID, ErrCancelled)
					stop(nil)
				} else {
					stop(err)
				}
			}
		}
	}

	if fatal != nil {
		return nil, fatal
	}
	if cause := context.Cause(ctx); cause != nil {
		return nil, cause
	}

	step.done()
	counts = countOf(state)
	if counts.Analyzed == 0 {
		return nil, job.ChunksError(fmt.Errorf("all %d chunks failed", counts.Total))
	}
	if open := counts.Pending + counts.InProgress + counts.Transcribed; open > 0 {
		return nil, job.ChunksError(fmt.Errorf("%d chunks did not finish", open))
	}

	for _, orig := range chunks {
		c := state[orig.ID]
		if c.Status != job.ChunkFailed {
			continue
		}
		if err := c.Transition(job.ChunkSkipped); err != nil {
			return nil, err
		}
		c.UpdatedAt = time.Now().UTC()
		if err := o.store.PutChunk(wctx, c); err != nil {
			return nil, job.StorageError("skip chunk", err)
		}
		o.log.Warnf("⏭️ Chunk %s will be a gap in the notes", c)
	}

	return o.advance(wctx, j.ID, job.StatusStitching, nil)
}

// returnChunk puts a chunk the pool never ran back to Pending.
func (o *Orchestrator) returnChunk(ctx context.Context, c *job.Chunk) {
	if c.Status != job.ChunkInProgress {
		return
	}
	c = c.Clone()
	if err := c.Transition(job.ChunkPending); err != nil {
		return
	}
	c.UpdatedAt = time.Now().UTC()
	if err := o.store.PutChunk(ctx, c); err != nil {
		o.log.Warnf("⚠️ Could not return chunk %s to pending: %v", c, err)
	}
}

func (o *Orchestrator) cancelRun(id string, cause error) {
	o.mu.Lock()
	r := o.runs[id]
	o.mu.Unlock()
	if r != nil {
		r.cancel(cause)
	}
}

func countOf(state map[int]*job.Chunk) job.Counts {
	chunks := make([]*job.Chunk, 0, len(state))
	for _, c := range state {
		chunks = append(chunks, c)
	}
	return job.CountChunks(chunks)
}
