package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/videoinsight/internal/config"
	"github.com/videoinsight/internal/fileops"
	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/pkg/logger"
)

// Fetcher acquires a job's media: local files are linked into the download
// directory, URLs are downloaded with yt-dlp. Duration comes from ffprobe.
type Fetcher struct {
	cfg config.DownloadConfig
	run Runner
}

func NewFetcher(cfg config.DownloadConfig, run Runner) *Fetcher {
	if run == nil {
		run = ExecRunner{}
	}
	return &Fetcher{cfg: cfg, run: run}
}

// ytMeta is the subset of `yt-dlp -j` output we keep.
type ytMeta struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Uploader   string  `json:"uploader"`
	Duration   float64 `json:"duration"`
	WebpageURL string  `json:"webpage_url"`
	UploadDate string  `json:"upload_date"`
	Extractor  string  `json:"extractor"`
}

// Fetch returns the media for j. Errors are *job.Error of kind acquisition.
func (f *Fetcher) Fetch(ctx context.Context, j *job.Job) (*job.Media, error) {
	if err := fileops.EnsureDir(f.cfg.Dir); err != nil {
		return nil, job.AcquisitionError("prepare", false, err)
	}

	var (
		media *job.Media
		err   error
	)
	if isURL(j.SourceRef) {
		media, err = f.download(ctx, j)
	} else {
		media, err = f.linkLocal(j)
	}
	if err != nil {
		return nil, err
	}

	durationMs, perr := f.Probe(ctx, media.Path)
	switch {
	case perr == nil:
		media.DurationMs = durationMs
	case media.DurationMs > 0:
		logger.Warnf("⚠️ ffprobe failed, using reported duration: %v", perr)
	default:
		return nil, perr
	}
	if media.DurationMs <= 0 {
		return nil, job.AcquisitionError("probe", false, fmt.Errorf("media %s has no duration", media.Path))
	}

	logger.Infof("📦 Media ready: %s (%s)", filepath.Base(media.Path), formatMs(media.DurationMs))
	return media, nil
}

func (f *Fetcher) linkLocal(j *job.Job) (*job.Media, error) {
	src := j.SourceRef
	if !fileops.Exists(src) {
		return nil, job.AcquisitionError("open", false, fmt.Errorf("source not found: %s", src))
	}
	abs, err := filepath.Abs(src)
	if err != nil {
		return nil, job.AcquisitionError("open", false, err)
	}

	dst := filepath.Join(f.cfg.Dir, j.ID+strings.ToLower(filepath.Ext(src)))
	if !fileops.Exists(dst) {
		if err := fileops.HardlinkOrCopy(abs, dst); err != nil {
			return nil, job.AcquisitionError("link", true, err)
		}
	}
	logger.Infof("🔗 Linked local media: %s", filepath.Base(src))

	return &job.Media{
		Path:  dst,
		Title: strings.TrimSuffix(filepath.Base(src), filepath.Ext(src)),
		URL:   abs,
	}, nil
}

func (f *Fetcher) download(ctx context.Context, j *job.Job) (*job.Media, error) {
	bin := f.cfg.Binary
	if bin == "" {
		bin = "yt-dlp"
	}

	res, err := f.run.Run(ctx, bin, "-j", "--no-playlist", j.SourceRef)
	if err != nil {
		return nil, classifyYtdlp("metadata", res, err)
	}
	var meta ytMeta
	if err := json.Unmarshal([]byte(lastLine(res.Stdout)), &meta); err != nil {
		return nil, job.AcquisitionError("metadata", false, fmt.Errorf("parse yt-dlp metadata: %w", err))
	}

	logger.Infof("⬇️ Downloading: %s", meta.Title)
	template := filepath.Join(f.cfg.Dir, j.ID+".%(ext)s")
	args := []string{"--no-playlist", "-o", template, "--print", "after_move:filepath"}
	if f.cfg.Format != "" {
		args = append(args, "-f", f.cfg.Format)
	}
	args = append(args, j.SourceRef)

	res, err = f.run.Run(ctx, bin, args...)
	if err != nil {
		return nil, classifyYtdlp("download", res, err)
	}
	path := lastLine(res.Stdout)
	if path == "" || !fileops.Exists(path) {
		return nil, job.AcquisitionError("download", true, fmt.Errorf("yt-dlp reported no output file"))
	}

	media := &job.Media{
		Path:       path,
		Title:      meta.Title,
		Uploader:   meta.Uploader,
		URL:        j.SourceRef,
		DurationMs: int64(meta.Duration * 1000),
		Metadata:   map[string]string{},
	}
	if meta.WebpageURL != "" {
		media.URL = meta.WebpageURL
	}
	if meta.ID != "" {
		media.Metadata["video_id"] = meta.ID
	}
	if meta.UploadDate != "" {
		media.Metadata["upload_date"] = meta.UploadDate
	}
	if meta.Extractor != "" {
		media.Metadata["platform"] = meta.Extractor
	}
	return media, nil
}

// Probe returns the media duration in milliseconds.
func (f *Fetcher) Probe(ctx context.Context, path string) (int64, error) {
	bin := f.cfg.FFprobe
	if bin == "" {
		bin = "ffprobe"
	}
	res, err := f.run.Run(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, job.AcquisitionError("probe", false, commandError(bin, res, err))
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
	if err != nil {
		return 0, job.AcquisitionError("probe", false, fmt.Errorf("parse duration %q: %w", res.Stdout, err))
	}
	return int64(secs * 1000), nil
}

// classifyYtdlp marks network trouble as retryable and everything else
// (unsupported URL, private or removed video) as permanent.
func classifyYtdlp(op string, res CommandResult, err error) error {
	if errors.Is(err, context.Canceled) {
		return job.AcquisitionError(op, false, err)
	}
	retryable := errors.Is(err, context.DeadlineExceeded) || containsAny(res.Stderr,
		"timed out", "connection reset", "temporary failure", "http error 5", "http error 429",
		"unable to download webpage", "network is unreachable")
	if containsAny(res.Stderr, "unsupported url", "video unavailable", "private video", "http error 404") {
		retryable = false
	}
	return job.AcquisitionError(op, retryable, commandError("yt-dlp", res, err))
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func formatMs(ms int64) string {
	secs := ms / 1000
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
}
