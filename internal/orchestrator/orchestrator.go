// Package orchestrator drives jobs through their lifecycle: acquire the media,
// plan chunks, fan them out to the worker pool, stitch the results and
// synthesize the notes. Every step is checkpointed, so a job can be resumed
// from whatever the store last recorded.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/videoinsight/internal/artifact"
	"github.com/videoinsight/internal/checkpoint"
	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/internal/retry"
	"github.com/videoinsight/internal/stitch"
	"github.com/videoinsight/internal/worker"
	"github.com/videoinsight/pkg/logger"
)

var (
	// ErrJobRunning is returned when a job already has an active run.
	ErrJobRunning = errors.New("job is already running")
	// ErrTerminal is returned when an operation needs a job that is not finished.
	ErrTerminal = errors.New("job is in a terminal state")
	// ErrCancelled is the cause recorded when an operator cancels a job.
	ErrCancelled = errors.New("job cancelled")
	// ErrShutdown is the cause recorded when the process stops; the job stays resumable.
	ErrShutdown = errors.New("orchestrator shutting down")
)

// Fetcher acquires a job's media and reports its duration.
type Fetcher interface {
	Fetch(ctx context.Context, j *job.Job) (*job.Media, error)
}

// Synthesizer turns a stitched timeline into the notes file and returns its path.
type Synthesizer interface {
	Synthesize(ctx context.Context, j *job.Job, tl *stitch.Timeline) (string, error)
}

// Notifier announces finished jobs.
type Notifier interface {
	NotifySuccess(ctx context.Context, title, body string) error
	NotifyError(ctx context.Context, title, body string) error
}

// Pool runs chunk attempts. *worker.Pool satisfies it.
type Pool interface {
	Submit(t worker.Task) error
	SubmitAfter(delay time.Duration, t worker.Task)
}

// Options tune the orchestrator.
type Options struct {
	// Defaults is the config snapshot for jobs created without overrides.
	Defaults job.Config
	// RetryDelay is the first backoff before a failed chunk is resubmitted.
	RetryDelay time.Duration
	// FetchRetry controls acquisition retries (retry.DownloadConfig when nil).
	FetchRetry *retry.Config
}

type run struct {
	cancel context.CancelCauseFunc
}

// Orchestrator owns job state transitions.
type Orchestrator struct {
	store     checkpoint.Store
	artifacts artifact.Store
	pool      Pool
	fetcher   Fetcher
	synth     Synthesizer
	notifier  Notifier
	opts      Options
	events    *Broadcaster
	log       *zap.SugaredLogger

	mu    sync.Mutex
	runs  map[string]*run
	locks map[string]*sync.Mutex

	base     context.Context
	stopBase context.CancelCauseFunc
	wg       sync.WaitGroup
}

// New creates an orchestrator. notifier may be nil.
func New(store checkpoint.Store, artifacts artifact.Store, pool Pool, fetcher Fetcher, synth Synthesizer, notifier Notifier, opts Options) *Orchestrator {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.FetchRetry == nil {
		opts.FetchRetry = retry.DownloadConfig()
	}
	if opts.Defaults.MaxAttempts <= 0 {
		opts.Defaults.MaxAttempts = worker.DefaultMaxAttempts
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Orchestrator{
		store:     store,
		artifacts: artifacts,
		pool:      pool,
		fetcher:   fetcher,
		synth:     synth,
		notifier:  notifier,
		opts:      opts,
		events:    NewBroadcaster(),
		log:       logger.Named("orchestrator"),
		runs:      make(map[string]*run),
		locks:     make(map[string]*sync.Mutex),
		base:      base,
		stopBase:  stop,
	}
}

// Subscribe streams progress events for a job until its current run ends.
func (o *Orchestrator) Subscribe(id string) (<-chan Event, func()) {
	return o.events.Subscribe(id)
}

// Defaults returns the config snapshot new jobs start from.
func (o *Orchestrator) Defaults() job.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opts.Defaults
}

// SetDefaults replaces the snapshot given to jobs created from now on.
// Existing jobs keep theirs.
func (o *Orchestrator) SetDefaults(cfg job.Config) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = worker.DefaultMaxAttempts
	}
	o.mu.Lock()
	o.opts.Defaults = cfg
	o.mu.Unlock()
}

// CreateJob records a new job in Created. Non-zero fields of override replace
// the defaults; the merged config is frozen on the job.
func (o *Orchestrator) CreateJob(ctx context.Context, sourceRef string, override *job.Config) (*job.Job, error) {
	if sourceRef == "" {
		return nil, job.InvalidConfig("source is required")
	}
	j := job.New(uuid.NewString(), sourceRef, o.snapshot(override))
	if err := o.store.PutJob(ctx, j); err != nil {
		return nil, job.StorageError("create job", err)
	}
	o.log.Infof("🆕 Job created: %s (%s)", j.ID, sourceRef)
	o.publish(j, nil, "created")
	return j, nil
}

func (o *Orchestrator) snapshot(override *job.Config) job.Config {
	cfg := o.Defaults()
	if override == nil {
		return cfg
	}
	if override.ChunkSizeMs != 0 {
		cfg.ChunkSizeMs = override.ChunkSizeMs
	}
	if override.OverlapMs != 0 {
		cfg.OverlapMs = override.OverlapMs
	}
	if override.Quality != "" {
		cfg.Quality = override.Quality
	}
	if override.Detail != "" {
		cfg.Detail = override.Detail
	}
	if override.Language != "" {
		cfg.Language = override.Language
	}
	if override.MaxAttempts != 0 {
		cfg.MaxAttempts = override.MaxAttempts
	}
	if override.AttemptTimeoutMs != 0 {
		cfg.AttemptTimeoutMs = override.AttemptTimeoutMs
	}
	if override.OutputPath != "" {
		cfg.OutputPath = override.OutputPath
	}
	return cfg
}

// GetJobStatus returns the job as last checkpointed.
func (o *Orchestrator) GetJobStatus(ctx context.Context, id string) (*job.Job, error) {
	return o.store.GetJob(ctx, id)
}

// ListJobs returns jobs in the given statuses, or all jobs.
func (o *Orchestrator) ListJobs(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	return o.store.ListJobs(ctx, statuses...)
}

// Report is a job plus its chunk breakdown.
type Report struct {
	Job     *job.Job   `json:"job"`
	Counts  job.Counts `json:"counts"`
	Running bool       `json:"running"`

	// Problems lists chunks that failed or were skipped, with their last error.
	Problems []*job.Chunk `json:"problems,omitempty"`
}

// Report loads a job and summarises its chunks.
func (o *Orchestrator) Report(ctx context.Context, id string) (*Report, error) {
	j, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	chunks, err := o.store.ListChunks(ctx, id)
	if err != nil {
		return nil, err
	}
	r := &Report{Job: j, Counts: job.CountChunks(chunks), Running: o.Running(id)}
	for _, c := range chunks {
		if c.Status == job.ChunkFailed || c.Status == job.ChunkSkipped {
			r.Problems = append(r.Problems, c)
		}
	}
	return r, nil
}

// Running reports whether this process has an active run for the job.
func (o *Orchestrator) Running(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[id]
	return ok
}

// CancelJob marks the job Cancelled. An active run stops submitting chunks;
// attempts already running finish and are checkpointed.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) error {
	j, err := o.save(ctx, id, func(cur *job.Job) error {
		if cur.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, cur.ID, cur.Status)
		}
		return cur.Transition(job.StatusCancelled)
	})
	if err != nil {
		return err
	}

	o.cancelRun(id, ErrCancelled)
	o.log.Infof("🚫 Job cancelled: %s", id)
	o.publish(j, nil, "cancelled")
	return nil
}

// ReopenJob makes a Cancelled or Failed job resumable again. Failed chunks
// get a fresh attempt budget; Skipped chunks stay skipped.
func (o *Orchestrator) ReopenJob(ctx context.Context, id string) (*job.Job, error) {
	if o.Running(id) {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, id)
	}

	chunks, err := o.store.ListChunks(ctx, id)
	if err != nil {
		return nil, err
	}

	j, err := o.save(ctx, id, func(cur *job.Job) error {
		if cur.Status != job.StatusCancelled && cur.Status != job.StatusFailed {
			return fmt.Errorf("%w: job %s is %s, only cancelled or failed jobs can be reopened",
				job.ErrInvalidTransition, cur.ID, cur.Status)
		}
		to := job.StatusCreated
		if len(chunks) > 0 {
			to = job.StatusChunked
		}
		if err := cur.Transition(to); err != nil {
			return err
		}
		cur.Error = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, c := range chunks {
		switch c.Status {
		case job.ChunkFailed:
			c.AttemptCount = 0
		case job.ChunkInProgress:
		default:
			continue
		}
		if err := c.Transition(job.ChunkPending); err != nil {
			return nil, err
		}
		c.UpdatedAt = time.Now().UTC()
		if err := o.store.PutChunk(ctx, c); err != nil {
			return nil, job.StorageError("reopen chunk", err)
		}
	}

	o.log.Infof("🔓 Job reopened: %s → %s", id, j.Status)
	o.publish(j, nil, "reopened")
	return j, nil
}

// SkipChunk gives up on a Failed chunk; it becomes a gap in the notes.
func (o *Orchestrator) SkipChunk(ctx context.Context, jobID string, chunkID int) (*job.Chunk, error) {
	unlock := o.lock(jobID)
	defer unlock()

	c, err := o.store.GetChunk(ctx, jobID, chunkID)
	if err != nil {
		return nil, err
	}
	if c.Status != job.ChunkFailed {
		return nil, fmt.Errorf("%w: chunk %s is %s, only failed chunks can be skipped",
			job.ErrInvalidTransition, c, c.Status)
	}
	if err := c.Transition(job.ChunkSkipped); err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Now().UTC()
	if err := o.store.PutChunk(ctx, c); err != nil {
		return nil, job.StorageError("skip chunk", err)
	}
	o.log.Infof("⏭️ Chunk skipped: %s", c)
	return c, nil
}

// ResumeJob starts the job in the background and returns its event stream,
// closed when the run ends. If the job is already running here, the stream
// attaches to that run. Callers that stop reading early must call the
// returned unsubscribe func.
func (o *Orchestrator) ResumeJob(ctx context.Context, id string) (<-chan Event, func(), error) {
	j, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if j.Status.Terminal() {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, j.Status)
	}

	events, unsubscribe := o.events.Subscribe(id)
	if err := o.Start(id); err != nil && !errors.Is(err, ErrJobRunning) {
		unsubscribe()
		return nil, nil, err
	}
	return events, unsubscribe, nil
}

// Start runs the job in the background.
func (o *Orchestrator) Start(id string) error {
	ctx, err := o.begin(o.base, id)
	if err != nil {
		return err
	}
	go func() {
		if err := o.execute(ctx, id); err != nil {
			o.log.Debugf("run %s ended: %v", id, err)
		}
	}()
	return nil
}

// Run drives the job until it completes, fails, is cancelled or ctx ends.
// It returns nil only when the job is Completed.
func (o *Orchestrator) Run(ctx context.Context, id string) error {
	runCtx, err := o.begin(ctx, id)
	if err != nil {
		return err
	}
	return o.execute(runCtx, id)
}

// ResumeInterrupted starts every job left in a non-terminal state.
func (o *Orchestrator) ResumeInterrupted(ctx context.Context) ([]string, error) {
	jobs, err := o.store.ListJobs(ctx, job.ResumableStatuses...)
	if err != nil {
		return nil, err
	}
	var started []string
	for _, j := range jobs {
		if err := o.Start(j.ID); err != nil {
			if !errors.Is(err, ErrJobRunning) {
				o.log.Warnf("⚠️ Could not resume %s: %v", j.ID, err)
			}
			continue
		}
		started = append(started, j.ID)
	}
	if len(started) > 0 {
		o.log.Infof("♻️ Resumed %d interrupted job(s)", len(started))
	}
	return started, nil
}

// Shutdown stops every run, leaving jobs in their current status so they can
// be resumed, and waits for runs to drain until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopBase(ErrShutdown)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin registers a run for id. The returned context ends on cancel,
// shutdown or when parent ends.
func (o *Orchestrator) begin(parent context.Context, id string) (context.Context, error) {
	if cause := context.Cause(o.base); cause != nil {
		return nil, cause
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.runs[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, id)
	}

	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(o.base, func() { cancel(ErrShutdown) })
	o.runs[id] = &run{cancel: func(cause error) {
		stop()
		cancel(cause)
	}}
	o.wg.Add(1)
	return ctx, nil
}

func (o *Orchestrator) end(id string) {
	o.mu.Lock()
	r := o.runs[id]
	delete(o.runs, id)
	o.mu.Unlock()
	if r != nil {
		r.cancel(context.Canceled)
	}
	o.events.CloseJob(id)
	o.wg.Done()
}

// lock serialises record updates for one job.
func (o *Orchestrator) lock(id string) func() {
	o.mu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// save re-reads the job, applies mutate and persists the result. The stored
// record is always the base, so concurrent cancels are never overwritten.
func (o *Orchestrator) save(ctx context.Context, id string, mutate func(j *job.Job) error) (*job.Job, error) {
	unlock := o.lock(id)
	defer unlock()

	j, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(j); err != nil {
		return nil, err
	}
	j.UpdatedAt = time.Now().UTC()
	if err := o.store.PutJob(ctx, j); err != nil {
		return nil, job.StorageError("save job", err)
	}
	return j, nil
}

func (o *Orchestrator) publish(j *job.Job, chunk *job.Chunk, msg string) {
	e := Event{JobID: j.ID, Status: j.Status, Chunk: chunk.Clone(), Message: msg}
	if chunks, err := o.store.ListChunks(context.Background(), j.ID); err == nil {
		e.Counts = job.CountChunks(chunks)
	}
	o.events.Publish(e)
}
