package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/pkg/logger"
)

// stepTimer tracks timing for a stage.
type stepTimer struct {
	name  string
	start time.Time
}

func startStep(name string) *stepTimer {
	return &stepTimer{name: name, start: time.Now()}
}

func (s *stepTimer) done() time.Duration {
	elapsed := time.Since(s.start)
	logger.Infof("   ⏱️  %s: %v", s.name, formatDuration(elapsed))
	return elapsed
}

// formatDuration formats duration in human-readable form.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}

func (o *Orchestrator) notifySuccess(ctx context.Context, j *job.Job, counts job.Counts, elapsed time.Duration) {
	if o.notifier == nil {
		return
	}

	title := "📝 Notes Ready"
	body := fmt.Sprintf("**%s**\n\nChunks: %d analyzed, %d skipped\nTime: %s\nOutput: %s",
		j.Title(), counts.Analyzed, counts.Skipped, formatDuration(elapsed), j.OutputPath)

	if err := o.notifier.NotifySuccess(ctx, title, body); err != nil {
		logger.Warnf("⚠️ Failed to send notification: %v", err)
	}
}

func (o *Orchestrator) notifyError(ctx context.Context, j *job.Job, err error) {
	if o.notifier == nil {
		return
	}

	title := "❌ Video Processing Failed"
	body := fmt.Sprintf("**%s**\nJob: %s\nError: %v", j.Title(), j.ID, err)

	if notifyErr := o.notifier.NotifyError(ctx, title, body); notifyErr != nil {
		logger.Warnf("⚠️ Failed to send error notification: %v", notifyErr)
	}
}
