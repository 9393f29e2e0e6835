// Package render turns a stitched timeline into markdown notes.
package render

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/internal/stitch"
)

// Detail levels.
const (
	DetailSummary       = "summary"
	DetailStandard      = "standard"
	DetailComprehensive = "comprehensive"
)

const (
	topTopics       = 10
	paragraphGapMs  = 1000
	outlineTitleLen = 50
)

// Metadata describes the video the notes are about.
type Metadata struct {
	Title      string
	Source     string
	Uploader   string
	JobID      string
	DurationMs int64
	Generated  time.Time
	Extra      map[string]string
}

type frontMatter struct {
	Title     string   `yaml:"title"`
	Source    string   `yaml:"source"`
	Uploader  string   `yaml:"uploader,omitempty"`
	Duration  string   `yaml:"duration"`
	JobID     string   `yaml:"job_id"`
	Generated string   `yaml:"generated"`
	Detail    string   `yaml:"detail"`
	Gaps      int      `yaml:"gaps,omitempty"`
	Tags      []string `yaml:"tags,omitempty"`
}

// part is an outline entry: a text section split at topic boundaries, or a gap.
type part struct {
	start, end int64
	gap        bool
	reason     string
	segments   []job.Segment
	keywords   []job.Keyword
}

// Render produces the markdown document. Output depends only on its inputs.
func Render(tl *stitch.Timeline, meta Metadata, detail string) (string, error) {
	detail = normalizeDetail(detail)
	topics := aggregateKeywords(tl.Sections)
	parts := splitParts(tl.Sections)

	fm := frontMatter{
		Title:     meta.Title,
		Source:    meta.Source,
		Uploader:  meta.Uploader,
		Duration:  Timestamp(meta.DurationMs),
		JobID:     meta.JobID,
		Generated: meta.Generated.UTC().Format(time.RFC3339),
		Detail:    detail,
		Gaps:      len(tl.Gaps()),
	}
	for i, k := range topics {
		if i == 5 {
			break
		}
		fm.Tags = append(fm.Tags, k.Term)
	}
	header, err := yaml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("encode front matter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(header)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# %s\n\n", meta.Title)

	writeInfo(&b, meta)
	writeTopics(&b, topics)
	if detail == DetailComprehensive {
		writeEntities(&b, tl.Sections)
	}
	writeOutline(&b, parts)
	if detail != DetailSummary {
		writeDetails(&b, parts, detail == DetailComprehensive)
	}
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}

func normalizeDetail(d string) string {
	switch strings.ToLower(d) {
	case DetailSummary:
		return DetailSummary
	case DetailComprehensive:
		return DetailComprehensive
	default:
		return DetailStandard
	}
}

func writeInfo(b *strings.Builder, meta Metadata) {
	b.WriteString("## Video Information\n\n")
	fmt.Fprintf(b, "- **Source**: %s\n", meta.Source)
	if meta.Uploader != "" {
		fmt.Fprintf(b, "- **Uploader**: %s\n", meta.Uploader)
	}
	fmt.Fprintf(b, "- **Duration**: %s\n", Timestamp(meta.DurationMs))
	keys := make([]string, 0, len(meta.Extra))
	for k := range meta.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "- **%s**: %s\n", k, meta.Extra[k])
	}
	fmt.Fprintf(b, "- **Processed**: %s\n\n", meta.Generated.UTC().Format("2006-01-02 15:04"))
}

func writeTopics(b *strings.Builder, topics []job.Keyword) {
	b.WriteString("## Key Topics\n\n")
	if len(topics) == 0 {
		b.WriteString("_No topics identified._\n\n")
		return
	}
	for i, k := range topics {
		if i == topTopics {
			break
		}
		fmt.Fprintf(b, "- **%s** (%d mentions)\n", k.Term, k.Count)
	}
	b.WriteString("\n")
}

func writeEntities(b *strings.Builder, sections []stitch.Section) {
	seen := make(map[string]bool)
	var entities []string
	for _, s := range sections {
		for _, e := range s.Entities {
			if !seen[e] {
				seen[e] = true
				entities = append(entities, e)
			}
		}
	}
	if len(entities) == 0 {
		return
	}
	b.WriteString("## Entities\n\n")
	for _, e := range entities {
		fmt.Fprintf(b, "- %s\n", e)
	}
	b.WriteString("\n")
}

func writeOutline(b *strings.Builder, parts []part) {
	b.WriteString("## Content Outline\n\n")
	for i, p := range parts {
		if p.gap {
			fmt.Fprintf(b, "%d. [%s] _Transcription unavailable_\n", i+1, Timestamp(p.start))
			continue
		}
		fmt.Fprintf(b, "%d. [%s] %s\n", i+1, Timestamp(p.start), partTitle(p))
	}
	b.WriteString("\n")
}

func writeDetails(b *strings.Builder, parts []part, withKeywords bool) {
	b.WriteString("## Detailed Content\n\n")
	for _, p := range parts {
		if p.gap {
			fmt.Fprintf(b, "### [%s] Transcription unavailable\n\n", Timestamp(p.start))
			fmt.Fprintf(b, "> ⚠️ No transcript for %s – %s: %s\n\n", Timestamp(p.start), Timestamp(p.end), p.reason)
			continue
		}
		fmt.Fprintf(b, "### [%s] %s\n\n", Timestamp(p.start), partTitle(p))
		if withKeywords && len(p.keywords) > 0 {
			terms := make([]string, 0, 5)
			for i, k := range p.keywords {
				if i == 5 {
					break
				}
				terms = append(terms, k.Term)
			}
			fmt.Fprintf(b, "_Keywords: %s_\n\n", strings.Join(terms, ", "))
		}
		for _, para := range paragraphs(p.segments) {
			fmt.Fprintf(b, "**[%s]** %s\n\n", Timestamp(para[0].StartMs), joinText(para))
		}
	}
}

// splitParts cuts text sections at their topic boundaries.
func splitParts(sections []stitch.Section) []part {
	var out []part
	for _, s := range sections {
		if s.Gap {
			out = append(out, part{start: s.StartMs, end: s.EndMs, gap: true, reason: s.Reason})
			continue
		}
		cuts := append([]int64{s.StartMs}, s.TopicBoundaries...)
		cuts = append(cuts, s.EndMs)
		for i := 0; i+1 < len(cuts); i++ {
			if cuts[i+1] <= cuts[i] {
				continue
			}
			p := part{start: cuts[i], end: cuts[i+1], keywords: s.Keywords}
			for _, seg := range s.Segments {
				if seg.StartMs >= p.start && seg.StartMs < p.end {
					p.segments = append(p.segments, seg)
				}
			}
			if len(p.segments) > 0 {
				out = append(out, p)
			}
		}
	}
	return out
}

func partTitle(p part) string {
	if len(p.segments) == 0 {
		return "(silence)"
	}
	first := strings.TrimSpace(p.segments[0].Text)
	if i := strings.IndexAny(first, ".!?"); i > 0 {
		first = first[:i]
	}
	r := []rune(first)
	if len(r) > outlineTitleLen {
		return string(r[:outlineTitleLen]) + "..."
	}
	return first
}

// paragraphs groups segments, starting a new paragraph after a pause.
func paragraphs(segs []job.Segment) [][]job.Segment {
	var out [][]job.Segment
	var cur []job.Segment
	for i, s := range segs {
		if i > 0 && s.StartMs-segs[i-1].EndMs > paragraphGapMs {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, s)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func joinText(segs []job.Segment) string {
	texts := make([]string, 0, len(segs))
	for _, s := range segs {
		if t := strings.TrimSpace(s.Text); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, " ")
}

// aggregateKeywords sums keyword counts across sections.
func aggregateKeywords(sections []stitch.Section) []job.Keyword {
	counts := make(map[string]int)
	for _, s := range sections {
		for _, k := range s.Keywords {
			counts[k.Term] += k.Count
		}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	out := make([]job.Keyword, 0, len(counts))
	for term, n := range counts {
		out = append(out, job.Keyword{Term: term, Count: n, Score: float64(n) / float64(total)})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Count != out[b].Count {
			return out[a].Count > out[b].Count
		}
		return out[a].Term < out[b].Term
	})
	return out
}

// Timestamp formats milliseconds as HH:MM:SS.
func Timestamp(ms int64) string {
	secs := ms / 1000
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
}
