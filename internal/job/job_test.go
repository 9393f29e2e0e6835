package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// TestJobLifecycle walks the happy path through every state.
func TestJobLifecycle(t *testing.T) {
	j := New("job-1", "https://example.com/v", Config{ChunkSizeMs: 1000, OverlapMs: 100})
	if j.Status != StatusCreated {
		t.Fatalf("new job status = %s, want created", j.Status)
	}

	for _, status := range []Status{
		StatusDownloading,
		StatusChunked,
		StatusProcessing,
		StatusProcessing,
		StatusStitching,
		StatusSynthesizing,
		StatusCompleted,
	} {
		if err := j.Transition(status); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}

	if !j.Status.Terminal() {
		t.Fatal("completed should be terminal")
	}
}

func TestJobRejectsInvalidTransition(t *testing.T) {
	tests := []struct {
		from, to Status
	}{
		{StatusCreated, StatusProcessing},
		{StatusDownloading, StatusStitching},
		{StatusProcessing, StatusCompleted},
		{StatusCompleted, StatusCancelled},
		{StatusCompleted, StatusChunked},
		{StatusCancelled, StatusProcessing},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			j := &Job{ID: "j", Status: tt.from}
			err := j.Transition(tt.to)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("err = %v, want ErrInvalidTransition", err)
			}
			if j.Status != tt.from {
				t.Fatalf("status changed to %s on rejected transition", j.Status)
			}
		})
	}
}

func TestAnyNonTerminalCanCancel(t *testing.T) {
	for _, s := range ResumableStatuses {
		if !CanTransition(s, StatusCancelled) {
			t.Errorf("%s -> cancelled should be allowed", s)
		}
	}
}

func TestChunkTransitions(t *testing.T) {
	c := &Chunk{JobID: "j", ID: 1, Status: ChunkPending}
	for _, s := range []ChunkStatus{ChunkInProgress, ChunkTranscribed, ChunkAnalyzed} {
		if err := c.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if err := c.Transition(ChunkPending); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("analyzed -> pending err = %v, want ErrInvalidTransition", err)
	}

	p := &Chunk{JobID: "j", ID: 2, Status: ChunkPending}
	if err := p.Transition(ChunkSkipped); err == nil {
		t.Fatal("pending chunk must not be skipped directly")
	}

	f := &Chunk{JobID: "j", ID: 3, Status: ChunkFailed}
	if err := f.Transition(ChunkSkipped); err != nil {
		t.Fatalf("failed -> skipped: %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"transient transcription", TranscriptionError("whisper", true, errors.New("503")), KindTranscription, true},
		{"permanent analysis", AnalysisError("gemini", false, errors.New("bad request")), KindAnalysis, false},
		{"wrapped storage", fmt.Errorf("put chunk: %w", StorageError("put", errors.New("disk full"))), KindStorage, false},
		{"deadline", fmt.Errorf("attempt: %w", context.DeadlineExceeded), "", true},
		{"plain", errors.New("boom"), "", false},
		{"stitch", StitchError(ErrIncompleteInput), KindStitch, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf = %q, want %q", got, tt.kind)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}

	if !errors.Is(StitchError(ErrIncompleteInput), ErrIncompleteInput) {
		t.Fatal("stitch error should unwrap to ErrIncompleteInput")
	}
}

func TestInfo(t *testing.T) {
	info := Info(AcquisitionError("yt-dlp", true, errors.New("timed out")))
	if info.Kind != KindAcquisition || info.Op != "yt-dlp" || !info.Retryable || info.Message != "timed out" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if Info(nil) != nil {
		t.Fatal("Info(nil) should be nil")
	}
}

func TestCloneIsDeep(t *testing.T) {
	j := New("j", "src", Config{})
	j.Media = &Media{Path: "/a", Metadata: map[string]string{"k": "v"}}
	c := j.Clone()
	c.Media.Metadata["k"] = "changed"
	c.Media.Path = "/b"
	if j.Media.Metadata["k"] != "v" || j.Media.Path != "/a" {
		t.Fatal("clone shares media with original")
	}
}

func TestMeasureQuality(t *testing.T) {
	tests := []struct {
		name string
		segs []Segment
		want Quality
	}{
		{name: "empty", want: Quality{}},
		{
			name: "unrated segments",
			segs: []Segment{{Text: "hello there"}, {Text: "general  kenobi"}},
			want: Quality{Segments: 2, Words: 4},
		},
		{
			name: "mixed ratings",
			segs: []Segment{{Text: "one", Confidence: 0.5}, {Text: "two three", Confidence: 1}, {Text: "four"}},
			want: Quality{Segments: 3, Words: 4, AvgConfidence: 0.75},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MeasureQuality(tt.segs); got != tt.want {
				t.Fatalf("MeasureQuality() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
