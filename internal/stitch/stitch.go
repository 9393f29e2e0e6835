// Package stitch merges per-chunk results into one ordered timeline.
//
// Adjacent chunks overlap. Inside an overlap the later chunk wins: the earlier
// chunk is truncated where the later one starts. A skipped chunk contributes
// nothing, so whatever part of its span no analyzed neighbour covers becomes a
// gap section.
package stitch

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/videoinsight/internal/job"
)

// Section is one non-overlapping span of the timeline.
type Section struct {
	StartMs         int64         `json:"start_ms"`
	EndMs           int64         `json:"end_ms"`
	ChunkID         int           `json:"chunk_id"`
	Gap             bool          `json:"gap,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	Segments        []job.Segment `json:"segments,omitempty"`
	Keywords        []job.Keyword `json:"keywords,omitempty"`
	Entities        []string      `json:"entities,omitempty"`
	TopicBoundaries []int64       `json:"topic_boundaries,omitempty"`
}

// Timeline is the stitched result for a job. Sections tile [0, DurationMs).
type Timeline struct {
	JobID      string    `json:"job_id"`
	DurationMs int64     `json:"duration_ms"`
	Sections   []Section `json:"sections"`
}

// Gaps returns the gap sections.
func (t *Timeline) Gaps() []Section {
	var out []Section
	for _, s := range t.Sections {
		if s.Gap {
			out = append(out, s)
		}
	}
	return out
}

// Encode returns the canonical JSON form. Equal timelines encode identically.
func (t *Timeline) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// Stitch builds the timeline for a job. Every chunk must be Analyzed or
// Skipped and every Analyzed chunk needs its result; input order is irrelevant.
func Stitch(jobID string, durationMs int64, chunks []*job.Chunk, results map[int]*job.ChunkResult) (*Timeline, error) {
	ordered := make([]*job.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].ID < ordered[b].ID })

	for _, c := range ordered {
		if !c.Status.Done() {
			return nil, job.StitchError(fmt.Errorf("%w: chunk %d is %s", job.ErrIncompleteInput, c.ID, c.Status))
		}
		if c.Status == job.ChunkAnalyzed && results[c.ID] == nil {
			return nil, job.StitchError(fmt.Errorf("%w: chunk %d has no result", job.ErrIncompleteInput, c.ID))
		}
	}

	// Sweep backwards so each analyzed chunk is cut where the next analyzed one starts.
	type window struct {
		chunk      *job.Chunk
		start, end int64
	}
	var windows []window
	limit := durationMs
	for i := len(ordered) - 1; i >= 0; i-- {
		c := ordered[i]
		if c.Status != job.ChunkAnalyzed {
			continue
		}
		start := max(c.StartMs, 0)
		end := min(c.EndMs, limit)
		if end > start {
			windows = append(windows, window{chunk: c, start: start, end: end})
		}
		limit = min(limit, start)
	}
	// Restore timeline order.
	for a, b := 0, len(windows)-1; a < b; a, b = a+1, b-1 {
		windows[a], windows[b] = windows[b], windows[a]
	}

	tl := &Timeline{JobID: jobID, DurationMs: durationMs, Sections: []Section{}}
	cursor := int64(0)
	for _, w := range windows {
		if w.start > cursor {
			tl.Sections = append(tl.Sections, gapSection(cursor, w.start, ordered))
		}
		tl.Sections = append(tl.Sections, textSection(w.start, w.end, w.chunk, results[w.chunk.ID]))
		cursor = w.end
	}
	if cursor < durationMs {
		tl.Sections = append(tl.Sections, gapSection(cursor, durationMs, ordered))
	}
	return tl, nil
}

func textSection(start, end int64, c *job.Chunk, res *job.ChunkResult) Section {
	s := Section{StartMs: start, EndMs: end, ChunkID: c.ID}
	for _, seg := range res.Segments {
		if seg.StartMs < start || seg.StartMs >= end {
			continue
		}
		seg.EndMs = min(seg.EndMs, end)
		s.Segments = append(s.Segments, seg)
	}
	sort.SliceStable(s.Segments, func(a, b int) bool { return s.Segments[a].StartMs < s.Segments[b].StartMs })

	s.Keywords = append(s.Keywords, res.Analysis.Keywords...)
	s.Entities = append(s.Entities, res.Analysis.Entities...)
	for _, b := range res.Analysis.TopicBoundaries {
		if b >= start && b < end {
			s.TopicBoundaries = append(s.TopicBoundaries, b)
		}
	}
	sort.Slice(s.TopicBoundaries, func(a, b int) bool { return s.TopicBoundaries[a] < s.TopicBoundaries[b] })
	return s
}

// gapSection attributes [start, end) to the first skipped chunk overlapping it.
func gapSection(start, end int64, chunks []*job.Chunk) Section {
	s := Section{StartMs: start, EndMs: end, ChunkID: -1, Gap: true, Reason: "transcription unavailable"}
	for _, c := range chunks {
		if c.Status != job.ChunkSkipped || c.EndMs <= start || c.StartMs >= end {
			continue
		}
		s.ChunkID = c.ID
		if c.LastError != "" {
			s.Reason = c.LastError
		}
		break
	}
	return s
}
