package analyzer

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/videoinsight/internal/config"
	"github.com/videoinsight/internal/job"
)

func segs() []job.Segment {
	return []job.Segment{
		{Text: "Today we talk about Kubernetes clusters and the Kubernetes scheduler.", StartMs: 0, EndMs: 4000},
		{Text: "Kelsey Hightower wrote about clusters.", StartMs: 4200, EndMs: 7000},
		{Text: "After the break, we met Grace Hopper at the Computer History Museum.", StartMs: 12000, EndMs: 15000},
		{Text: "The scheduler places pods.", StartMs: 15100, EndMs: 17000},
	}
}

func TestKeywords(t *testing.T) {
	kws := Keywords(segs(), 3)
	if len(kws) != 3 {
		t.Fatalf("keywords = %+v", kws)
	}
	want := []string{"clusters", "kubernetes", "scheduler"}
	for i, w := range want {
		if kws[i].Term != w || kws[i].Count != 2 {
			t.Fatalf("keyword %d = %+v, want %s x2", i, kws[i], w)
		}
	}
	for _, k := range Keywords(segs(), 0) {
		if len(k.Term) <= 2 || stopwords[k.Term] {
			t.Fatalf("unexpected keyword %q", k.Term)
		}
	}
}

func TestEntities(t *testing.T) {
	got := Entities(segs())
	// "Kelsey" opens its sentence, leaving a single capitalised word.
	want := []string{"Grace Hopper", "Computer History Museum"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("entities = %v, want %v", got, want)
	}
}

func TestPauseBoundaries(t *testing.T) {
	got := PauseBoundaries(segs(), PauseThresholdMs)
	if !reflect.DeepEqual(got, []int64{12000}) {
		t.Fatalf("boundaries = %v", got)
	}
	if got := PauseBoundaries(nil, PauseThresholdMs); len(got) != 0 {
		t.Fatalf("boundaries for no segments = %v", got)
	}
}

func TestLocalAnalyze(t *testing.T) {
	a, err := NewLocal(5).Analyze(context.Background(), segs())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(a.Keywords) != 5 || len(a.TopicBoundaries) != 1 {
		t.Fatalf("analysis = %+v", a)
	}
}

func TestGeminiParsesReply(t *testing.T) {
	g := NewGemini(config.AnalysisConfig{Model: "gemini-test", APIKeys: []string{"k1"}, TopKeywords: 2})
	g.generate = func(_ context.Context, key, model, _ string) (string, error) {
		if key != "k1" || model != "gemini-test" {
			t.Fatalf("key %s model %s", key, model)
		}
		return "```json\n" + `{"keywords":[{"term":"Scheduler","count":2},{"term":"pods","count":1},{"term":"x","count":0},{"term":"clusters","count":3}],
			"entities":["Grace Hopper","Grace Hopper"],"topic_boundaries_ms":[0,12000,99999]}` + "\n```", nil
	}

	a, err := g.Analyze(context.Background(), segs())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(a.Keywords) != 2 || a.Keywords[0].Term != "clusters" || a.Keywords[1].Term != "scheduler" {
		t.Fatalf("keywords = %+v", a.Keywords)
	}
	if !reflect.DeepEqual(a.Entities, []string{"Grace Hopper"}) {
		t.Fatalf("entities = %v", a.Entities)
	}
	if !reflect.DeepEqual(a.TopicBoundaries, []int64{12000}) {
		t.Fatalf("boundaries = %v", a.TopicBoundaries)
	}
}

func TestGeminiRotatesKeys(t *testing.T) {
	g := NewGemini(config.AnalysisConfig{APIKeys: []string{"k1", "k2"}})
	var used []string
	g.generate = func(_ context.Context, key, _, _ string) (string, error) {
		used = append(used, key)
		if key == "k1" {
			return "", errors.New("Error 429, RESOURCE_EXHAUSTED")
		}
		return `{"keywords":[],"entities":[],"topic_boundaries_ms":[]}`, nil
	}
	if _, err := g.Analyze(context.Background(), segs()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !reflect.DeepEqual(used, []string{"k1", "k2"}) {
		t.Fatalf("keys used = %v", used)
	}

	// The working key stays current.
	used = nil
	_, _ = g.Analyze(context.Background(), segs())
	if !reflect.DeepEqual(used, []string{"k2"}) {
		t.Fatalf("keys used after rotation = %v", used)
	}
}

func TestGeminiErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"all keys exhausted", errors.New("quota exceeded"), true},
		{"unavailable", errors.New("Error 503, UNAVAILABLE"), true},
		{"bad request", errors.New("Error 400, INVALID_ARGUMENT"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGemini(config.AnalysisConfig{APIKeys: []string{"a", "b"}})
			g.generate = func(context.Context, string, string, string) (string, error) { return "", tt.err }
			_, err := g.Analyze(context.Background(), segs())
			if !job.IsKind(err, job.KindAnalysis) || job.IsRetryable(err) != tt.retryable {
				t.Fatalf("err = %v, retryable want %v", err, tt.retryable)
			}
		})
	}
}

func TestGeminiMalformedReplyIsRetryable(t *testing.T) {
	g := NewGemini(config.AnalysisConfig{APIKeys: []string{"a"}})
	g.generate = func(context.Context, string, string, string) (string, error) { return "not json", nil }
	_, err := g.Analyze(context.Background(), segs())
	if !job.IsRetryable(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(config.AnalysisConfig{Provider: "gemini"}); err == nil {
		t.Fatal("gemini without keys should fail")
	}
	if _, err := New(config.AnalysisConfig{Provider: "magic"}); err == nil {
		t.Fatal("unknown provider should fail")
	}
	a, err := New(config.AnalysisConfig{})
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if _, ok := a.(*Local); !ok {
		t.Fatalf("default analyzer = %T", a)
	}
}
