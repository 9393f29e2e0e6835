package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/videoinsight/internal/config"
	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/pkg/logger"
)

const analysisPrompt = `You analyse a lecture or talk transcript. Each line is "[start_ms] text".

Return ONLY a JSON object with this shape:
{"keywords":[{"term":"...","count":N}],"entities":["..."],"topic_boundaries_ms":[N]}

- keywords: up to %d important lowercase terms with how often they are mentioned
- entities: people, organisations, products and places, as written
- topic_boundaries_ms: start_ms values of lines where a new topic begins (never the first line)

Transcript:
---
%s
---`

// generateFunc sends one prompt with one API key and returns the raw text.
type generateFunc func(ctx context.Context, apiKey, model, prompt string) (string, error)

// Gemini asks a Gemini model for the analysis, rotating API keys when one
// is rate limited.
type Gemini struct {
	model    string
	topN     int
	apiKeys  []string
	limiter  *rate.Limiter
	generate generateFunc

	mu         sync.Mutex
	currentKey int
}

func NewGemini(cfg config.AnalysisConfig) *Gemini {
	g := &Gemini{
		model:    cfg.Model,
		topN:     cfg.TopKeywords,
		apiKeys:  cfg.APIKeys,
		generate: generateContent,
	}
	if g.topN <= 0 {
		g.topN = 20
	}
	if cfg.RateLimitRPM > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitRPM)/60.0), 1)
		logger.Infof("🚦 Analyzer rate limit: %d RPM", cfg.RateLimitRPM)
	}
	return g
}

func (g *Gemini) Analyze(ctx context.Context, segs []job.Segment) (job.Analysis, error) {
	if len(segs) == 0 {
		return job.Analysis{Keywords: []job.Keyword{}, Entities: []string{}, TopicBoundaries: []int64{}}, nil
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return job.Analysis{}, job.AnalysisError("rate limit", true, err)
		}
	}

	var b strings.Builder
	for _, s := range segs {
		fmt.Fprintf(&b, "[%d] %s\n", s.StartMs, s.Text)
	}
	text, err := g.call(ctx, fmt.Sprintf(analysisPrompt, g.topN, b.String()))
	if err != nil {
		return job.Analysis{}, err
	}
	return parseAnalysis(text, segs, g.topN)
}

// call tries each key once, starting from the current one.
func (g *Gemini) call(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for range len(g.apiKeys) {
		key, idx := g.key()

		text, err := g.generate(ctx, key, g.model, prompt)
		if err == nil {
			return text, nil
		}
		if isQuotaError(err) {
			logger.Warnf("Key %d rate limited, rotating...", idx+1)
			g.rotateKey()
			lastErr = err
			continue
		}
		retryable := errors.Is(err, context.DeadlineExceeded) || isUnavailable(err)
		return "", job.AnalysisError("gemini", retryable, fmt.Errorf("generate content: %w", err))
	}
	if lastErr == nil {
		return "", job.AnalysisError("gemini", false, errors.New("no API keys configured"))
	}
	return "", job.AnalysisError("gemini", true, fmt.Errorf("all API keys exhausted: %w", lastErr))
}

func (g *Gemini) key() (string, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.apiKeys[g.currentKey], g.currentKey
}

func (g *Gemini) rotateKey() {
	g.mu.Lock()
	g.currentKey = (g.currentKey + 1) % len(g.apiKeys)
	g.mu.Unlock()
}

func isQuotaError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "quota") || strings.Contains(msg, "RESOURCE_EXHAUSTED")
}

func isUnavailable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "503") || strings.Contains(msg, "UNAVAILABLE") || strings.Contains(msg, "500")
}

func generateContent(ctx context.Context, apiKey, model, prompt string) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fmt.Errorf("create client: %w", err)
	}

	result, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", err
	}
	if result != nil && len(result.Candidates) > 0 && result.Candidates[0].Content != nil {
		var text string
		for _, part := range result.Candidates[0].Content.Parts {
			if part.Text != "" {
				text += part.Text
			}
		}
		return text, nil
	}
	return "", fmt.Errorf("empty response from Gemini")
}

type geminiAnalysis struct {
	Keywords []struct {
		Term  string `json:"term"`
		Count int    `json:"count"`
	} `json:"keywords"`
	Entities          []string `json:"entities"`
	TopicBoundariesMs []int64  `json:"topic_boundaries_ms"`
}

// parseAnalysis decodes the model reply and keeps only boundaries that fall
// on a segment start after the first one.
func parseAnalysis(text string, segs []job.Segment, topN int) (job.Analysis, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var raw geminiAnalysis
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return job.Analysis{}, job.AnalysisError("gemini", true, fmt.Errorf("malformed analysis: %w", err))
	}

	out := job.Analysis{Keywords: []job.Keyword{}, Entities: []string{}, TopicBoundaries: []int64{}}
	total := 0
	for _, k := range raw.Keywords {
		if k.Count > 0 {
			total += k.Count
		}
	}
	for _, k := range raw.Keywords {
		term := strings.ToLower(strings.TrimSpace(k.Term))
		if term == "" || k.Count <= 0 {
			continue
		}
		out.Keywords = append(out.Keywords, job.Keyword{Term: term, Count: k.Count, Score: float64(k.Count) / float64(total)})
	}
	sort.SliceStable(out.Keywords, func(a, b int) bool { return out.Keywords[a].Count > out.Keywords[b].Count })
	if len(out.Keywords) > topN {
		out.Keywords = out.Keywords[:topN]
	}

	seen := make(map[string]bool)
	for _, e := range raw.Entities {
		e = strings.TrimSpace(e)
		if e != "" && !seen[e] {
			seen[e] = true
			out.Entities = append(out.Entities, e)
		}
	}

	starts := make(map[int64]bool, len(segs))
	first := segs[0].StartMs
	for _, s := range segs {
		starts[s.StartMs] = true
		first = min(first, s.StartMs)
	}
	for _, b := range raw.TopicBoundariesMs {
		if b > first && starts[b] {
			out.TopicBoundaries = append(out.TopicBoundaries, b)
		}
	}
	sort.Slice(out.TopicBoundaries, func(a, b int) bool { return out.TopicBoundaries[a] < out.TopicBoundaries[b] })
	return out, nil
}
