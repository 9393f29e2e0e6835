package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/pkg/logger"
)

var (
	// ErrDuplicate is returned when a chunk is submitted while already queued or running.
	ErrDuplicate = errors.New("chunk already submitted")
	// ErrStopped is returned for submissions after Stop and for tasks still queued at Stop.
	ErrStopped = errors.New("worker pool stopped")
)

// Task is one chunk handed to the pool. The caller marks the chunk InProgress
// in the store before submitting it.
type Task struct {
	// Ctx is the job run context. Once it is done, queued tasks are returned
	// to Pending instead of starting; running attempts finish.
	Ctx       context.Context
	Job       *job.Job
	Chunk     *job.Chunk
	MediaPath string
	// Reply receives exactly one Outcome. It should be buffered.
	Reply chan<- Outcome
}

func (t Task) key() string { return fmt.Sprintf("%s/%d", t.Chunk.JobID, t.Chunk.ID) }

// Outcome reports a chunk's durable state after one attempt. Err is set only
// when that state could not be persisted (or the pool stopped); chunk-level
// failures are expressed through Chunk.Status.
type Outcome struct {
	Chunk *job.Chunk
	Err   error
}

// Processor runs one attempt of the chunk pipeline and persists the result.
type Processor interface {
	Process(ctx context.Context, t Task) (*job.Chunk, error)
}

// PoolConfig holds worker pool settings.
type PoolConfig struct {
	Concurrency int
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Concurrency: 2}
}

// Pool runs chunk tasks on N workers. At most N tasks are in flight; the rest
// wait in FIFO order.
type Pool struct {
	mu      sync.Mutex
	queue   []Task
	pending map[string]bool // queued or running
	running int
	notify  chan struct{}
	stopped bool

	proc        Processor
	concurrency int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool. Call Start before submitting.
func NewPool(cfg PoolConfig, proc Processor) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultPoolConfig().Concurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		pending:     make(map[string]bool),
		notify:      make(chan struct{}, 1),
		proc:        proc,
		concurrency: cfg.Concurrency,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Infof("👷 Worker pool started (%d workers)", p.concurrency)
}

// Stop waits for running attempts to finish and fails everything still queued
// with ErrStopped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	queued := p.queue
	p.queue = nil
	for _, t := range queued {
		delete(p.pending, t.key())
	}
	p.mu.Unlock()

	logger.Info("🛑 Stopping worker pool...")
	for _, t := range queued {
		t.Reply <- Outcome{Chunk: t.Chunk, Err: ErrStopped}
	}
	p.cancel()
	p.wg.Wait()
	logger.Info("✅ Worker pool stopped")
}

// Submit queues a task. It never blocks.
func (p *Pool) Submit(t Task) error {
	if t.Ctx == nil {
		t.Ctx = context.Background()
	}
	key := t.key()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.pending[key] {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	p.pending[key] = true
	p.queue = append(p.queue, t)
	depth := len(p.queue)
	p.mu.Unlock()

	logger.Debugf("📥 Chunk queued: %s (queue depth %d)", key, depth)
	p.wake()
	return nil
}

// SubmitAfter queues the task once delay has passed, or immediately when the
// task's context ends first so the worker can hand the chunk back.
func (p *Pool) SubmitAfter(delay time.Duration, t Task) {
	if delay <= 0 {
		p.submitOrReply(t)
		return
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-t.Ctx.Done():
		case <-p.ctx.Done():
		}
		p.submitOrReply(t)
	}()
}

func (p *Pool) submitOrReply(t Task) {
	if err := p.Submit(t); err != nil {
		t.Reply <- Outcome{Chunk: t.Chunk, Err: err}
	}
}

// Stats reports queue depth and running workers.
func (p *Pool) Stats() (queued, running int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue), p.running
}

func (p *Pool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return Task{}, false
	}
	t := p.queue[0]
	p.queue[0] = Task{}
	p.queue = p.queue[1:]
	p.running++
	if len(p.queue) > 0 {
		// Let another idle worker pick up the rest.
		p.wake()
	}
	return t, true
}

func (p *Pool) done(t Task) {
	p.mu.Lock()
	delete(p.pending, t.key())
	p.running--
	p.mu.Unlock()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		t, ok := p.next()
		if !ok {
			select {
			case <-p.ctx.Done():
				return
			case <-p.notify:
				continue
			}
		}

		chunk, err := p.proc.Process(t.Ctx, t)
		p.done(t)
		if chunk == nil {
			chunk = t.Chunk
		}
		t.Reply <- Outcome{Chunk: chunk, Err: err}
		logger.Debugf("worker %d finished %s → %s", id, t.key(), chunk.Status)
	}
}
