package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/videoinsight/internal/config"
	"github.com/videoinsight/internal/fileops"
	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/internal/worker"
	"github.com/videoinsight/pkg/logger"
)

// ModelForQuality maps a quality tier to a whisper model size.
func ModelForQuality(quality string) string {
	switch strings.ToLower(quality) {
	case "low":
		return "tiny"
	case "high":
		return "small"
	default:
		return "base"
	}
}

// Whisper transcribes media slices via the faster-whisper script or the OpenAI API.
type Whisper struct {
	cfg     config.TranscriptionConfig
	run     Runner
	http    *resty.Client
	limiter *rate.Limiter
	workDir string
}

// NewWhisper creates a transcriber. Temporary audio slices go under workDir.
func NewWhisper(cfg config.TranscriptionConfig, workDir string, run Runner) *Whisper {
	if run == nil {
		run = ExecRunner{Stream: true}
	}
	w := &Whisper{
		cfg:     cfg,
		run:     run,
		workDir: workDir,
		http: resty.New().
			SetTimeout(10 * time.Minute).
			SetHeader("Accept", "application/json"),
	}

	if cfg.RateLimitRPM > 0 {
		rps := float64(cfg.RateLimitRPM) / 60.0
		w.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		logger.Infof("🚦 Transcriber rate limit: %d RPM", cfg.RateLimitRPM)
	}
	return w
}

// Transcribe returns segments for [req.StartMs, req.EndMs) with absolute timestamps.
func (w *Whisper) Transcribe(ctx context.Context, req worker.TranscribeRequest) ([]job.Segment, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, job.TranscriptionError("rate limit", true, err)
		}
	}

	if err := os.MkdirAll(w.workDir, 0o755); err != nil {
		return nil, job.TranscriptionError("prepare", false, err)
	}
	tmp, err := os.MkdirTemp(w.workDir, "slice-*")
	if err != nil {
		return nil, job.TranscriptionError("prepare", false, err)
	}
	defer os.RemoveAll(tmp)

	wav := filepath.Join(tmp, "slice.wav")
	if err := w.slice(ctx, req, wav); err != nil {
		return nil, err
	}

	var segs []job.Segment
	switch strings.ToLower(w.cfg.Provider) {
	case "openai":
		segs, err = w.transcribeOpenAI(ctx, wav, req.Language)
	default:
		segs, err = w.transcribeLocal(ctx, wav, fileops.ChangeExtension(wav, ".srt"), req)
	}
	if err != nil {
		return nil, err
	}
	return offsetSegments(segs, req.StartMs, req.EndMs), nil
}

// BuildSliceArgs returns the ffmpeg arguments that cut [start, end) into 16 kHz mono PCM.
func BuildSliceArgs(input, output string, startMs, endMs int64) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-ss", msToSeconds(startMs),
		"-t", msToSeconds(endMs - startMs),
		"-i", input,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		output,
	}
}

func (w *Whisper) slice(ctx context.Context, req worker.TranscribeRequest, out string) error {
	bin := w.cfg.FFmpeg
	if bin == "" {
		bin = "ffmpeg"
	}
	res, err := w.run.Run(ctx, bin, BuildSliceArgs(req.MediaPath, out, req.StartMs, req.EndMs)...)
	if err != nil {
		return job.TranscriptionError("slice", errors.Is(err, context.DeadlineExceeded), commandError(bin, res, err))
	}
	if _, err := os.Stat(out); err != nil {
		return job.TranscriptionError("slice", false, fmt.Errorf("ffmpeg produced no audio: %w", err))
	}
	return nil
}

// transcribeLocal runs the faster-whisper script and parses its SRT output.
func (w *Whisper) transcribeLocal(ctx context.Context, wav, srtPath string, req worker.TranscribeRequest) ([]job.Segment, error) {
	model := w.cfg.Model
	if model == "" {
		model = ModelForQuality(req.Quality)
	}

	// python transcribe.py <input> <output> --model <model> [--language <lang>]
	args := []string{w.cfg.Script, wav, srtPath, "--model", model}
	if req.Language != "" && req.Language != "auto" {
		args = append(args, "--language", req.Language)
	}

	logger.Infof("🎤 Transcribing (faster-whisper %s): %s", model, formatMs(req.StartMs))
	res, err := w.run.Run(ctx, "python3", args...)
	if err != nil {
		retryable := errors.Is(err, context.DeadlineExceeded) || containsAny(res.Stderr, "out of memory", "resource temporarily unavailable")
		return nil, job.TranscriptionError("whisper", retryable, commandError("python3", res, err))
	}
	if containsAny(res.Stderr, "Traceback") {
		return nil, job.TranscriptionError("whisper", false, fmt.Errorf("transcription reported errors:\n%s", res.Stderr))
	}

	data, err := os.ReadFile(srtPath)
	if err != nil {
		return nil, job.TranscriptionError("whisper", false, fmt.Errorf("SRT file not created: %w", err))
	}
	segs, err := ParseSRT(string(data))
	if err != nil {
		return nil, job.TranscriptionError("whisper", false, err)
	}
	return segs, nil
}

type verboseTranscript struct {
	Text     string `json:"text"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// transcribeOpenAI uses the OpenAI Whisper API.
func (w *Whisper) transcribeOpenAI(ctx context.Context, wav, language string) ([]job.Segment, error) {
	model := w.cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	form := map[string]string{
		"model":           model,
		"response_format": "verbose_json",
	}
	if language != "" && language != "auto" {
		form["language"] = language
	}

	logger.Infof("🎤 Transcribing (OpenAI API): %s", filepath.Base(wav))
	resp, err := w.http.R().
		SetContext(ctx).
		SetAuthToken(w.cfg.APIKey).
		SetFile("file", wav).
		SetFormData(form).
		SetResult(&verboseTranscript{}).
		SetError(&openAIError{}).
		Post(strings.TrimRight(w.cfg.BaseURL, "/") + "/audio/transcriptions")
	if err != nil {
		return nil, job.TranscriptionError("openai", true, fmt.Errorf("api request: %w", err))
	}
	if resp.IsError() {
		msg := resp.String()
		if e, ok := resp.Error().(*openAIError); ok && e.Error.Message != "" {
			msg = e.Error.Message
		}
		code := resp.StatusCode()
		retryable := code == 429 || code >= 500
		return nil, job.TranscriptionError("openai", retryable, fmt.Errorf("openai api error (%d): %s", code, msg))
	}

	out := resp.Result().(*verboseTranscript)
	segs := make([]job.Segment, 0, len(out.Segments))
	for _, s := range out.Segments {
		segs = append(segs, job.Segment{
			Text:       strings.TrimSpace(s.Text),
			StartMs:    int64(math.Round(s.Start * 1000)),
			EndMs:      int64(math.Round(s.End * 1000)),
			Confidence: math.Min(1, math.Exp(s.AvgLogprob)),
		})
	}
	return segs, nil
}

// offsetSegments shifts slice-relative times to absolute ones, clips them to
// the slice end and drops empty text.
func offsetSegments(segs []job.Segment, startMs, endMs int64) []job.Segment {
	out := make([]job.Segment, 0, len(segs))
	for _, s := range segs {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		s.StartMs += startMs
		s.EndMs = min(s.EndMs+startMs, endMs)
		if s.StartMs >= endMs {
			continue
		}
		out = append(out, s)
	}
	return out
}

func msToSeconds(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', 3, 64)
}
