// Package analyzer extracts keywords, entities and topic boundaries from
// transcript segments.
package analyzer

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/videoinsight/internal/job"
)

// PauseThresholdMs is the silence after which a new topic is assumed to start.
const PauseThresholdMs = 3000

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

// Local is a frequency-based analyzer that needs no external service.
type Local struct {
	TopN int
}

func NewLocal(topN int) *Local {
	if topN <= 0 {
		topN = 20
	}
	return &Local{TopN: topN}
}

func (l *Local) Analyze(ctx context.Context, segs []job.Segment) (job.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return job.Analysis{}, job.AnalysisError("local", true, err)
	}
	return job.Analysis{
		Keywords:        Keywords(segs, l.TopN),
		Entities:        Entities(segs),
		TopicBoundaries: PauseBoundaries(segs, PauseThresholdMs),
	}, nil
}

// Keywords ranks lowercase tokens longer than two characters, stopwords
// excluded. Score is the token's share of all counted tokens.
func Keywords(segs []job.Segment, topN int) []job.Keyword {
	counts := make(map[string]int)
	total := 0
	for _, s := range segs {
		for _, tok := range tokenRe.FindAllString(strings.ToLower(s.Text), -1) {
			if len(tok) <= 2 || stopwords[tok] {
				continue
			}
			counts[tok]++
			total++
		}
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
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// Entities returns runs of two or more capitalised words, ignoring the word
// that opens a sentence. Order is first appearance.
func Entities(segs []job.Segment) []string {
	seen := make(map[string]bool)
	var out []string
	flush := func(run []string) {
		if len(run) < 2 {
			return
		}
		e := strings.Join(run, " ")
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}

	for _, s := range segs {
		var run []string
		sentenceStart := true
		for _, raw := range strings.Fields(s.Text) {
			word := strings.TrimFunc(raw, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
			endsSentence := strings.ContainsAny(raw[len(raw)-1:], ".!?")

			if word != "" && !sentenceStart && isCapitalised(word) {
				run = append(run, word)
			} else {
				flush(run)
				run = nil
			}
			// Punctuation inside a run breaks it.
			if endsSentence || strings.ContainsAny(raw, ",;:") {
				flush(run)
				run = nil
			}
			sentenceStart = endsSentence
		}
		flush(run)
	}
	return out
}

func isCapitalised(w string) bool {
	for _, r := range w {
		return unicode.IsUpper(r)
	}
	return false
}

// PauseBoundaries returns the start of every segment preceded by more than
// thresholdMs of silence.
func PauseBoundaries(segs []job.Segment, thresholdMs int64) []int64 {
	ordered := make([]job.Segment, len(segs))
	copy(ordered, segs)
	sort.SliceStable(ordered, func(a, b int) bool { return ordered[a].StartMs < ordered[b].StartMs })

	out := []int64{}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].StartMs-ordered[i-1].EndMs > thresholdMs {
			out = append(out, ordered[i].StartMs)
		}
	}
	return out
}

var stopwords = func() map[string]bool {
	words := strings.Fields(`
		a about above after again against all am an and any are aren't as at be because been before
		being below between both but by can cannot could couldn did didn does doesn doing don down during
		each few for from further had hadn has hasn have haven having he her here hers herself him himself
		his how i if in into is isn it its itself just let like ll me more most mustn my myself no nor not
		now of off on once only or other our ours ourselves out over own re same shan she should shouldn
		so some such than that the their theirs them themselves then there these they this those through
		to too under until up very was wasn we were weren what when where which while who whom why will
		with won would wouldn you your yours yourself yourselves also yeah okay gonna going know really
		right think want well get got one thing things way kind actually
	`)
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}()
