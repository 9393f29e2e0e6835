package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/videoinsight/internal/artifact"
	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/internal/planner"
	"github.com/videoinsight/internal/retry"
	"github.com/videoinsight/internal/stitch"
	"github.com/videoinsight/internal/worker"
)

// execute advances the job one stage at a time until it finishes or the run
// context ends. Each stage re-derives its inputs from the store.
func (o *Orchestrator) execute(ctx context.Context, id string) error {
	defer o.end(id)
	wctx := context.WithoutCancel(ctx)
	startTime := time.Now()

	j, err := o.store.GetJob(wctx, id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, j.Status)
	}

	o.log.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	o.log.Infof("🎬 Starting job: %s", j.Title())
	o.log.Infof("   ID: %s | Status: %s", j.ID, j.Status)

	for {
		if cause := context.Cause(ctx); cause != nil {
			return o.interrupted(j, cause)
		}

		switch j.Status {
		case job.StatusCreated:
			j, err = o.advance(wctx, id, job.StatusDownloading, nil)
		case job.StatusDownloading:
			j, err = o.acquire(ctx, j)
		case job.StatusChunked:
			j, err = o.advance(wctx, id, job.StatusProcessing, nil)
		case job.StatusProcessing:
			j, err = o.process(ctx, j)
		case job.StatusStitching:
			j, err = o.stitch(ctx, j)
		case job.StatusSynthesizing:
			j, err = o.synthesize(ctx, j)
		case job.StatusCompleted:
			o.completed(wctx, j, time.Since(startTime))
			return nil
		default:
			return fmt.Errorf("%w: job %s is %s", job.ErrInvalidTransition, id, j.Status)
		}

		if err != nil {
			return o.handleError(ctx, id, err)
		}
	}
}

func (o *Orchestrator) handleError(ctx context.Context, id string, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		j, getErr := o.store.GetJob(context.WithoutCancel(ctx), id)
		if getErr != nil {
			return cause
		}
		return o.interrupted(j, cause)
	}
	if errors.Is(err, ErrCancelled) {
		o.log.Infof("🚫 Job %s was cancelled elsewhere", id)
		return ErrCancelled
	}
	if errors.Is(err, worker.ErrStopped) {
		return ErrShutdown
	}
	return o.fail(context.WithoutCancel(ctx), id, err)
}

// interrupted reports a run that stopped without finishing. The job keeps
// whatever status was last checkpointed.
func (o *Orchestrator) interrupted(j *job.Job, cause error) error {
	switch {
	case errors.Is(cause, ErrCancelled):
		o.log.Infof("🚫 Job %s stopped (cancelled)", j.ID)
		return ErrCancelled
	case errors.Is(cause, ErrShutdown):
		o.log.Infof("⏸️ Job %s paused at %s for shutdown", j.ID, j.Status)
		return ErrShutdown
	default:
		o.log.Infof("⏸️ Job %s paused at %s: %v", j.ID, j.Status, cause)
		return cause
	}
}

// fail records cause on the job and moves it to Failed.
func (o *Orchestrator) fail(ctx context.Context, id string, cause error) error {
	j, err := o.save(ctx, id, func(cur *job.Job) error {
		if cur.Status == job.StatusCancelled {
			return ErrCancelled
		}
		cur.Error = job.Info(cause)
		return cur.Transition(job.StatusFailed)
	})
	if errors.Is(err, ErrCancelled) {
		return ErrCancelled
	}
	if err != nil {
		o.log.Errorf("❌ Could not record failure of %s: %v (cause: %v)", id, err, cause)
		return cause
	}

	o.log.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	o.log.Errorf("❌ Job failed: %s", j.Title())
	o.log.Errorf("   Error: %v", cause)
	o.log.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	o.publish(j, nil, cause.Error())
	o.notifyError(ctx, j, cause)
	return cause
}

func (o *Orchestrator) completed(ctx context.Context, j *job.Job, elapsed time.Duration) {
	var counts job.Counts
	if chunks, err := o.store.ListChunks(ctx, j.ID); err == nil {
		counts = job.CountChunks(chunks)
	}

	o.log.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	o.log.Infof("✅ Job completed: %s", j.Title())
	o.log.Infof("   📝 Notes: %s", j.OutputPath)
	if counts.Skipped > 0 {
		o.log.Warnf("   ⚠️ %d of %d chunks skipped", counts.Skipped, counts.Total)
	}
	o.log.Infof("   ⏱️ Total time: %s", formatDuration(elapsed))
	o.log.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	o.notifySuccess(ctx, j, counts, elapsed)
}

// advance moves the job to the next status unless it was cancelled meanwhile.
func (o *Orchestrator) advance(ctx context.Context, id string, to job.Status, mutate func(j *job.Job)) (*job.Job, error) {
	var from job.Status
	j, err := o.save(ctx, id, func(cur *job.Job) error {
		if cur.Status == job.StatusCancelled {
			return ErrCancelled
		}
		from = cur.Status
		if err := cur.Transition(to); err != nil {
			return err
		}
		if mutate != nil {
			mutate(cur)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != to {
		o.log.Infof("📍 %s: %s → %s", id, from, to)
		o.publish(j, nil, string(to))
	}
	return j, nil
}

// acquire fetches the media and plans chunks. Chunks that already exist are
// kept, so re-entering this stage never re-plans a job.
func (o *Orchestrator) acquire(ctx context.Context, j *job.Job) (*job.Job, error) {
	wctx := context.WithoutCancel(ctx)
	cfg := j.Config

	if err := planner.Validate(cfg.ChunkSizeMs, cfg.OverlapMs); err != nil {
		return nil, err
	}

	step := startStep("Acquire")
	o.log.Infof("📥 Acquiring media: %s", j.SourceRef)
	media, err := o.fetch(ctx, j)
	if err != nil {
		return nil, err
	}
	step.done()

	chunks, err := o.store.ListChunks(wctx, j.ID)
	if err != nil {
		return nil, job.StorageError("list chunks", err)
	}
	if len(chunks) == 0 {
		spans, err := planner.Plan(media.DurationMs, cfg.ChunkSizeMs, cfg.OverlapMs)
		if err != nil {
			return nil, err
		}
		chunks = planner.Chunks(j.ID, spans)
		for _, c := range chunks {
			if err := o.store.PutChunk(wctx, c); err != nil {
				return nil, job.StorageError("create chunk", err)
			}
		}
		o.log.Infof("✂️ Planned %d chunks (%s each, %s overlap) for %s of media",
			len(chunks), formatDuration(ms(cfg.ChunkSizeMs)), formatDuration(ms(cfg.OverlapMs)), formatDuration(ms(media.DurationMs)))
	}

	return o.advance(wctx, j.ID, job.StatusChunked, func(cur *job.Job) { cur.Media = media })
}

func (o *Orchestrator) fetch(ctx context.Context, j *job.Job) (*job.Media, error) {
	cfg := *o.opts.FetchRetry
	cfg.Retryable = job.IsRetryable

	attempt := 0
	return retry.DoWithResult(ctx, &cfg, func(ctx context.Context) (*job.Media, error) {
		attempt++
		media, err := o.fetcher.Fetch(ctx, j)
		if err != nil && job.IsRetryable(err) && attempt <= cfg.MaxRetries {
			o.log.Warnf("⚠️ Fetch failed (attempt %d/%d): %v", attempt, cfg.MaxRetries+1, err)
		}
		return media, err
	})
}

// stitch merges chunk results into the timeline artifact.
func (o *Orchestrator) stitch(ctx context.Context, j *job.Job) (*job.Job, error) {
	wctx := context.WithoutCancel(ctx)
	step := startStep("Stitch")

	chunks, err := o.store.ListChunks(wctx, j.ID)
	if err != nil {
		return nil, job.StorageError("list chunks", err)
	}
	results := make(map[int]*job.ChunkResult)
	for _, c := range chunks {
		if c.Status != job.ChunkAnalyzed {
			continue
		}
		res, err := artifact.GetJSON[job.ChunkResult](wctx, o.artifacts, c.ResultRef)
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, job.StitchError(fmt.Errorf("%w: result of chunk %d is missing", job.ErrIncompleteInput, c.ID))
		}
		if err != nil {
			return nil, job.StorageError("load chunk result", err)
		}
		results[c.ID] = res
	}

	tl, err := stitch.Stitch(j.ID, durationOf(j, chunks), chunks, results)
	if err != nil {
		return nil, err
	}
	key := artifact.TimelineKey(j.ID)
	if err := artifact.PutJSON(wctx, o.artifacts, key, tl); err != nil {
		return nil, job.StorageError("save timeline", err)
	}
	step.done()
	o.log.Infof("🧵 Stitched %d sections (%d gaps)", len(tl.Sections), len(tl.Gaps()))

	return o.advance(wctx, j.ID, job.StatusSynthesizing, func(cur *job.Job) { cur.TimelineRef = key })
}

// synthesize renders the stored timeline into the notes file.
func (o *Orchestrator) synthesize(ctx context.Context, j *job.Job) (*job.Job, error) {
	wctx := context.WithoutCancel(ctx)
	step := startStep("Synthesize")

	tl, err := artifact.GetJSON[stitch.Timeline](wctx, o.artifacts, j.TimelineRef)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, job.StitchError(fmt.Errorf("%w: timeline is missing", job.ErrIncompleteInput))
	}
	if err != nil {
		return nil, job.StorageError("load timeline", err)
	}

	path, err := o.synth.Synthesize(ctx, j, tl)
	if err != nil {
		return nil, err
	}
	step.done()

	return o.advance(wctx, j.ID, job.StatusCompleted, func(cur *job.Job) { cur.OutputPath = path })
}

func durationOf(j *job.Job, chunks []*job.Chunk) int64 {
	if j.Media != nil && j.Media.DurationMs > 0 {
		return j.Media.DurationMs
	}
	var end int64
	for _, c := range chunks {
		end = max(end, c.EndMs)
	}
	return end
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
