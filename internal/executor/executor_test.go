package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/videoinsight/internal/config"
	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/internal/worker"
)

type fakeRunner struct {
	calls int
	run   func(ctx context.Context, name string, args ...string) (CommandResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	f.calls++
	return f.run(ctx, name, args...)
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestParseSRT(t *testing.T) {
	srt := "\ufeff1\r\n00:00:01,000 --> 00:00:04,500\r\nHello there\r\nfriend\r\n\r\n2\r\n00:01:00,250 --> 00:01:02,000 X1:40\r\nSecond cue\r\n\r\n3\r\n00:01:03,000 --> 00:01:04,000\r\n\r\n"
	segs, err := ParseSRT(srt)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("segments = %+v", segs)
	}
	if segs[0].Text != "Hello there friend" || segs[0].StartMs != 1000 || segs[0].EndMs != 4500 {
		t.Fatalf("first = %+v", segs[0])
	}
	if segs[1].StartMs != 60250 || segs[1].EndMs != 62000 {
		t.Fatalf("second = %+v", segs[1])
	}
}

func TestParseSRTBadTiming(t *testing.T) {
	if _, err := ParseSRT("1\n00:00:xx,000 --> 00:00:01,000\nhi\n"); err == nil {
		t.Fatal("expected error")
	}
}

func TestModelForQuality(t *testing.T) {
	tests := map[string]string{"low": "tiny", "medium": "base", "HIGH": "small", "ultra": "base", "": "base"}
	for in, want := range tests {
		if got := ModelForQuality(in); got != want {
			t.Fatalf("ModelForQuality(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildSliceArgs(t *testing.T) {
	args := BuildSliceArgs("/in.mp4", "/tmp/out.wav", 1500000, 3300000)
	if argAfter(args, "-ss") != "1500.000" || argAfter(args, "-t") != "1800.000" {
		t.Fatalf("args = %v", args)
	}
	if argAfter(args, "-i") != "/in.mp4" || args[len(args)-1] != "/tmp/out.wav" {
		t.Fatalf("args = %v", args)
	}
}

func TestWhisperLocalOffsetsSegments(t *testing.T) {
	runner := &fakeRunner{run: func(_ context.Context, name string, args ...string) (CommandResult, error) {
		switch name {
		case "ffmpeg":
			return CommandResult{}, os.WriteFile(args[len(args)-1], []byte("RIFF"), 0o644)
		case "python3":
			if argAfter(args, "--model") != "tiny" {
				t.Errorf("model = %q, want tiny", argAfter(args, "--model"))
			}
			srt := "1\n00:00:00,000 --> 00:00:02,000\nfirst\n\n2\n00:00:59,000 --> 00:01:05,000\nrunning over\n"
			return CommandResult{}, os.WriteFile(args[2], []byte(srt), 0o644)
		}
		t.Fatalf("unexpected command %s", name)
		return CommandResult{}, nil
	}}

	w := NewWhisper(config.TranscriptionConfig{Provider: "local", Script: "transcribe.py"}, t.TempDir(), runner)
	segs, err := w.Transcribe(context.Background(), worker.TranscribeRequest{
		MediaPath: "/media/v.mp4", StartMs: 60000, EndMs: 120000, Quality: "low",
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if len(segs) != 2 || segs[0].StartMs != 60000 || segs[1].StartMs != 119000 || segs[1].EndMs != 120000 {
		t.Fatalf("segments = %+v", segs)
	}
}

func TestWhisperSliceFailureIsPermanent(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context, string, ...string) (CommandResult, error) {
		return CommandResult{Stderr: "No such file", ExitCode: 1}, errors.New("exit status 1")
	}}
	w := NewWhisper(config.TranscriptionConfig{}, t.TempDir(), runner)
	_, err := w.Transcribe(context.Background(), worker.TranscribeRequest{MediaPath: "/missing", StartMs: 0, EndMs: 1000})
	if !job.IsKind(err, job.KindTranscription) || job.IsRetryable(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestWhisperOpenAI(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantErr       bool
		wantRetryable bool
	}{
		{"ok", 200, `{"text":"hi","segments":[{"start":0.5,"end":1.25,"text":" hi ","avg_logprob":-0.1}]}`, false, false},
		{"rate limited", 429, `{"error":{"message":"slow down"}}`, true, true},
		{"bad request", 400, `{"error":{"message":"bad audio"}}`, true, false},
		{"server error", 503, `oops`, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") || r.Header.Get("Authorization") != "Bearer sk-test" {
					t.Errorf("unexpected request %s %s", r.URL.Path, r.Header.Get("Authorization"))
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			runner := &fakeRunner{run: func(_ context.Context, _ string, args ...string) (CommandResult, error) {
				return CommandResult{}, os.WriteFile(args[len(args)-1], []byte("RIFF"), 0o644)
			}}
			w := NewWhisper(config.TranscriptionConfig{Provider: "openai", APIKey: "sk-test", BaseURL: srv.URL}, t.TempDir(), runner)
			segs, err := w.Transcribe(context.Background(), worker.TranscribeRequest{MediaPath: "/m.mp4", StartMs: 10000, EndMs: 20000})
			if tt.wantErr {
				if err == nil || job.IsRetryable(err) != tt.wantRetryable {
					t.Fatalf("err = %v, retryable want %v", err, tt.wantRetryable)
				}
				return
			}
			if err != nil {
				t.Fatalf("transcribe: %v", err)
			}
			if len(segs) != 1 || segs[0].Text != "hi" || segs[0].StartMs != 10500 || segs[0].EndMs != 11250 {
				t.Fatalf("segments = %+v", segs)
			}
			if segs[0].Confidence <= 0.9 || segs[0].Confidence > 1 {
				t.Fatalf("confidence = %v", segs[0].Confidence)
			}
		})
	}
}

func TestFetcherLocalFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "Lecture One.mp4")
	if err := os.WriteFile(src, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{run: func(_ context.Context, name string, args ...string) (CommandResult, error) {
		if name != "ffprobe" {
			t.Fatalf("unexpected command %s", name)
		}
		return CommandResult{Stdout: "3600.250\n"}, nil
	}}
	dir := t.TempDir()
	f := NewFetcher(config.DownloadConfig{Dir: dir, FFprobe: "ffprobe"}, runner)

	m, err := f.Fetch(context.Background(), &job.Job{ID: "abc", SourceRef: src})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if m.Path != filepath.Join(dir, "abc.mp4") || m.DurationMs != 3600250 || m.Title != "Lecture One" {
		t.Fatalf("media = %+v", m)
	}
	if _, err := os.Stat(m.Path); err != nil {
		t.Fatalf("media not linked: %v", err)
	}
}

func TestFetcherMissingLocalFile(t *testing.T) {
	f := NewFetcher(config.DownloadConfig{Dir: t.TempDir()}, &fakeRunner{})
	_, err := f.Fetch(context.Background(), &job.Job{ID: "x", SourceRef: "/nope/video.mp4"})
	if !job.IsKind(err, job.KindAcquisition) || job.IsRetryable(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestFetcherURL(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{run: func(_ context.Context, name string, args ...string) (CommandResult, error) {
		switch {
		case name == "yt-dlp" && args[0] == "-j":
			return CommandResult{Stdout: `{"id":"vid1","title":"Talk","uploader":"Conf","duration":120.5,"extractor":"youtube"}`}, nil
		case name == "yt-dlp":
			out := filepath.Join(dir, "j1.m4a")
			if err := os.WriteFile(out, []byte("audio"), 0o644); err != nil {
				return CommandResult{}, err
			}
			return CommandResult{Stdout: "[download] 100%\n" + out + "\n"}, nil
		case name == "ffprobe":
			return CommandResult{}, errors.New("ffprobe missing")
		}
		return CommandResult{}, errors.New("unexpected")
	}}
	f := NewFetcher(config.DownloadConfig{Dir: dir, Binary: "yt-dlp", FFprobe: "ffprobe"}, runner)

	m, err := f.Fetch(context.Background(), &job.Job{ID: "j1", SourceRef: "https://youtube.com/watch?v=vid1"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	// ffprobe failed, so the reported duration is used.
	if m.DurationMs != 120500 || m.Title != "Talk" || m.Metadata["platform"] != "youtube" {
		t.Fatalf("media = %+v", m)
	}
}

func TestClassifyYtdlp(t *testing.T) {
	tests := []struct {
		stderr string
		want   bool
	}{
		{"ERROR: Unable to download webpage: timed out", true},
		{"ERROR: [youtube] x: Video unavailable", false},
		{"ERROR: Unsupported URL: https://example.com", false},
		{"ERROR: HTTP Error 503: Service Unavailable", true},
		{"something odd", false},
	}
	for _, tt := range tests {
		err := classifyYtdlp("download", CommandResult{Stderr: tt.stderr, ExitCode: 1}, errors.New("exit status 1"))
		if job.IsRetryable(err) != tt.want {
			t.Fatalf("%q retryable = %v, want %v", tt.stderr, job.IsRetryable(err), tt.want)
		}
	}
}
