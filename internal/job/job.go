package job

import (
	"fmt"
	"strings"
	"time"
)

// Config is the per-job configuration snapshot, frozen when the job is created.
type Config struct {
	ChunkSizeMs      int64  `json:"chunk_size_ms"`
	OverlapMs        int64  `json:"overlap_ms"`
	Quality          string `json:"quality"`
	Detail           string `json:"detail"`
	Language         string `json:"language,omitempty"`
	MaxAttempts      int    `json:"max_attempts"`
	AttemptTimeoutMs int64  `json:"attempt_timeout_ms"`
	OutputPath       string `json:"output_path,omitempty"`
}

// AttemptTimeout returns the per-attempt worker timeout (zero means none).
func (c Config) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutMs) * time.Millisecond
}

// Media describes the acquired source file.
type Media struct {
	Path       string            `json:"path"`
	DurationMs int64             `json:"duration_ms"`
	Title      string            `json:"title,omitempty"`
	Uploader   string            `json:"uploader,omitempty"`
	URL        string            `json:"url,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ErrorInfo is the terminal error descriptor recorded on a failed job.
type ErrorInfo struct {
	Kind      Kind   `json:"kind"`
	Op        string `json:"op,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Job is the durable record of one video processing run.
type Job struct {
	ID          string     `json:"id"`
	SourceRef   string     `json:"source_ref"`
	Config      Config     `json:"config"`
	Status      Status     `json:"status"`
	Media       *Media     `json:"media,omitempty"`
	TimelineRef string     `json:"timeline_ref,omitempty"`
	OutputPath  string     `json:"output_path,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// New creates a job in the Created state.
func New(id, sourceRef string, cfg Config) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        id,
		SourceRef: sourceRef,
		Config:    cfg,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Title returns a display name for the job.
func (j *Job) Title() string {
	if j.Media != nil && j.Media.Title != "" {
		return j.Media.Title
	}
	return j.SourceRef
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Media != nil {
		m := *j.Media
		if j.Media.Metadata != nil {
			m.Metadata = make(map[string]string, len(j.Media.Metadata))
			for k, v := range j.Media.Metadata {
				m.Metadata[k] = v
			}
		}
		c.Media = &m
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// Chunk is one time slice of a job's media.
type Chunk struct {
	ID            int         `json:"id"`
	JobID         string      `json:"job_id"`
	StartMs       int64       `json:"start_ms"`
	EndMs         int64       `json:"end_ms"`
	Status        ChunkStatus `json:"status"`
	AttemptCount  int         `json:"attempt_count"`
	TranscriptRef string      `json:"transcript_ref,omitempty"`
	ResultRef     string      `json:"result_ref,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Clone returns a copy.
func (c *Chunk) Clone() *Chunk {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func (c *Chunk) String() string {
	return fmt.Sprintf("%s#%03d[%d-%d]", c.JobID, c.ID, c.StartMs, c.EndMs)
}

// Segment is a timed span of transcribed text. Times are absolute within the media.
type Segment struct {
	Text       string  `json:"text"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Keyword is a ranked term extracted from a text span.
type Keyword struct {
	Term  string  `json:"term"`
	Count int     `json:"count"`
	Score float64 `json:"score"`
}

// Analysis is the Analyzer output for one chunk.
type Analysis struct {
	Keywords        []Keyword `json:"keywords"`
	Entities        []string  `json:"entities"`
	TopicBoundaries []int64   `json:"topic_boundaries"`
}

// ChunkResult is the artifact referenced by Chunk.ResultRef.
type ChunkResult struct {
	JobID    string    `json:"job_id"`
	ChunkID  int       `json:"chunk_id"`
	StartMs  int64     `json:"start_ms"`
	EndMs    int64     `json:"end_ms"`
	Segments []Segment `json:"segments"`
	Analysis Analysis  `json:"analysis"`
	Quality  Quality   `json:"quality"`
}

// Quality summarises how sure the Transcriber was about a chunk.
type Quality struct {
	Segments int `json:"segments"`
	Words    int `json:"words"`
	// AvgConfidence averages the segments that report a confidence; zero
	// when none do.
	AvgConfidence float64 `json:"avg_confidence"`
}

// MeasureQuality computes Quality for a transcript.
func MeasureQuality(segs []Segment) Quality {
	q := Quality{Segments: len(segs)}
	var sum float64
	var rated int
	for _, s := range segs {
		q.Words += len(strings.Fields(s.Text))
		if s.Confidence > 0 {
			sum += s.Confidence
			rated++
		}
	}
	if rated > 0 {
		q.AvgConfidence = sum / float64(rated)
	}
	return q
}
