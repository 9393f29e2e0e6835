package render

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/videoinsight/internal/fileops"
	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/internal/stitch"
	"github.com/videoinsight/pkg/logger"
)

// Synthesizer renders a job's timeline and writes the notes file.
type Synthesizer struct {
	outputDir string
	now       func() time.Time
}

func NewSynthesizer(outputDir string) *Synthesizer {
	return &Synthesizer{outputDir: outputDir, now: time.Now}
}

// Synthesize writes the notes and returns their path. Rerunning it for the
// same job overwrites the previous file.
func (s *Synthesizer) Synthesize(ctx context.Context, j *job.Job, tl *stitch.Timeline) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", job.SynthesisError("synthesize", err)
	}

	meta := Metadata{
		Title:      j.Title(),
		Source:     j.SourceRef,
		JobID:      j.ID,
		DurationMs: tl.DurationMs,
		Generated:  s.now(),
	}
	if j.Media != nil {
		meta.Uploader = j.Media.Uploader
		if j.Media.URL != "" {
			meta.Source = j.Media.URL
		}
		meta.Extra = j.Media.Metadata
	}

	doc, err := Render(tl, meta, j.Config.Detail)
	if err != nil {
		return "", job.SynthesisError("render", err)
	}

	path := s.PathFor(j)
	if err := fileops.EnsureDir(filepath.Dir(path)); err != nil {
		return "", job.SynthesisError("write", err)
	}
	if err := fileops.WriteFileAtomic(path, []byte(doc), 0o644); err != nil {
		return "", job.SynthesisError("write", err)
	}
	logger.Infof("📝 Notes written: %s", path)
	return path, nil
}

// PathFor returns where the job's notes go: its configured output path, or
// <output_dir>/<slug>-<job id prefix>.md.
func (s *Synthesizer) PathFor(j *job.Job) string {
	if j.Config.OutputPath != "" {
		return j.Config.OutputPath
	}
	id := j.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return filepath.Join(s.outputDir, fmt.Sprintf("%s-%s.md", fileops.Slugify(j.Title()), id))
}
