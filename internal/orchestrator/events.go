package orchestrator

import (
	"sync"
	"time"

	"github.com/videoinsight/internal/job"
)

// Event is one progress update for a job.
type Event struct {
	Seq     int64      `json:"seq"`
	JobID   string     `json:"job_id"`
	Status  job.Status `json:"status"`
	Counts  job.Counts `json:"counts"`
	Chunk   *job.Chunk `json:"chunk,omitempty"`
	Message string     `json:"message,omitempty"`
	Time    time.Time  `json:"time"`
}

// Broadcaster fans job events out to subscribers. Slow subscribers drop
// events rather than stall the run.
type Broadcaster struct {
	mu      sync.Mutex
	nextSeq int64
	subs    map[string]map[chan Event]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe returns a channel of events for jobID and a func to unsubscribe.
// The channel is closed when the job's run ends or on unsubscribe.
func (b *Broadcaster) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan Event]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[jobID][ch]; ok {
				delete(b.subs[jobID], ch)
				close(ch)
			}
		})
	}
}

// Publish assigns a sequence number and delivers e.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	e.Seq = b.nextSeq
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	for ch := range b.subs[e.JobID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// CloseJob ends every subscription for jobID.
func (b *Broadcaster) CloseJob(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[jobID] {
		close(ch)
	}
	delete(b.subs, jobID)
}
