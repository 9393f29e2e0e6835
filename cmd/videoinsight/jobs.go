package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/videoinsight/internal/job"
	"github.com/videoinsight/internal/orchestrator"
)

var (
	procQuality     string
	procDetail      string
	procLanguage    string
	procOutput      string
	procChunkSize   time.Duration
	procOverlap     time.Duration
	procMaxAttempts int
	procNoRun       bool

	listStatus string
	listJSON   bool
	statusJSON bool
)

var processCmd = &cobra.Command{
	Use:   "process <url-or-path>",
	Short: "Create a job for a video and run it in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, !procNoRun)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		j, err := a.orch.CreateJob(cmd.Context(), args[0], &job.Config{
			ChunkSizeMs: procChunkSize.Milliseconds(),
			OverlapMs:   procOverlap.Milliseconds(),
			Quality:     procQuality,
			Detail:      procDetail,
			Language:    procLanguage,
			MaxAttempts: procMaxAttempts,
			OutputPath:  procOutput,
		})
		if err != nil {
			return err
		}
		fmt.Printf("job %s created\n", j.ID)
		if procNoRun {
			return nil
		}
		return runForeground(a, j.ID)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Continue an interrupted job from its last checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, true)
		if err != nil {
			return err
		}
		defer a.close(context.Background())
		return runForeground(a, args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's status, chunk counts and failed chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		r, err := a.orch.Report(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if statusJSON {
			b, _ := json.MarshalIndent(r, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		printReport(r)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job; a running process stops after its in-flight chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		if err := a.orch.CancelJob(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("job %s cancelled\n", args[0])
		return nil
	},
}

var reopenCmd = &cobra.Command{
	Use:   "reopen <job-id>",
	Short: "Make a cancelled or failed job resumable again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		j, err := a.orch.ReopenJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("job %s reopened (%s); run `videoinsight resume %s` to continue\n", j.ID, j.Status, j.ID)
		return nil
	},
}

var skipCmd = &cobra.Command{
	Use:   "skip <job-id> <chunk-id>",
	Short: "Give up on a failed chunk so the job can finish with a gap",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chunkID, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid chunk id %q", args[1])
		}
		a, err := newApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		c, err := a.orch.SkipChunk(cmd.Context(), args[0], chunkID)
		if err != nil {
			return err
		}
		fmt.Printf("chunk %s skipped\n", c)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs (optionally by status)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var statuses []job.Status
		if listStatus != "" {
			for _, name := range strings.Split(listStatus, ",") {
				s, err := job.ParseStatus(strings.TrimSpace(name))
				if err != nil {
					return err
				}
				statuses = append(statuses, s)
			}
		}

		a, err := newApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		jobs, err := a.orch.ListJobs(cmd.Context(), statuses...)
		if err != nil {
			return err
		}
		if listJSON {
			b, _ := json.MarshalIndent(jobs, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		for _, j := range jobs {
			fmt.Printf("%s  %-12s  %s  %s\n", j.ID, j.Status, j.UpdatedAt.Local().Format("2006-01-02 15:04"), j.Title())
		}
		return nil
	},
}

func init() {
	processCmd.Flags().StringVarP(&procQuality, "quality", "q", "", "Transcription quality: low, medium, high")
	processCmd.Flags().StringVarP(&procDetail, "detail", "d", "", "Notes detail: summary, standard, comprehensive")
	processCmd.Flags().StringVarP(&procLanguage, "language", "l", "", "Spoken language (auto to detect)")
	processCmd.Flags().StringVarP(&procOutput, "output", "o", "", "Notes file path")
	processCmd.Flags().DurationVar(&procChunkSize, "chunk-size", 0, "Chunk length, e.g. 30m")
	processCmd.Flags().DurationVar(&procOverlap, "overlap", 0, "Overlap between chunks, e.g. 5s")
	processCmd.Flags().IntVar(&procMaxAttempts, "max-attempts", 0, "Attempts per chunk before it fails")
	processCmd.Flags().BoolVar(&procNoRun, "no-run", false, "Only create the job")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "JSON output")
	listCmd.Flags().StringVar(&listStatus, "status", "", "Comma-separated statuses (created|downloading|chunked|processing|stitching|synthesizing|completed|failed|cancelled)")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "JSON output")

	rootCmd.AddCommand(processCmd, resumeCmd, statusCmd, cancelCmd, reopenCmd, skipCmd, listCmd)
}

// runForeground drives a job to the end, printing progress. Ctrl-C stops it
// resumably.
func runForeground(a *app, id string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, unsubscribe := a.orch.Subscribe(id)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for e := range events {
			printEvent(e)
		}
	}()

	err := a.orch.Run(ctx, id)
	unsubscribe()
	<-printed

	switch {
	case err == nil:
		r, rerr := a.orch.Report(context.Background(), id)
		if rerr != nil {
			return rerr
		}
		fmt.Printf("\n✅ notes written to %s\n", r.Job.OutputPath)
		if r.Counts.Skipped > 0 {
			fmt.Printf("⚠️  %d chunk(s) skipped; see `videoinsight status %s`\n", r.Counts.Skipped, id)
		}
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, orchestrator.ErrShutdown):
		fmt.Printf("\n⏸️  interrupted; run `videoinsight resume %s` to continue\n", id)
		return nil
	default:
		return err
	}
}

func printEvent(e orchestrator.Event) {
	c := e.Counts
	line := fmt.Sprintf("[%s] %-12s %d/%d analyzed", e.Time.Local().Format("15:04:05"), e.Status, c.Analyzed, c.Total)
	if c.Failed > 0 {
		line += fmt.Sprintf(", %d failed", c.Failed)
	}
	if e.Chunk != nil {
		line += fmt.Sprintf("  chunk %s", e.Chunk)
	}
	if e.Message != "" {
		line += "  " + e.Message
	}
	fmt.Println(line)
}

func printReport(r *orchestrator.Report) {
	j := r.Job
	fmt.Printf("job:      %s\n", j.ID)
	fmt.Printf("source:   %s\n", j.SourceRef)
	fmt.Printf("status:   %s", j.Status)
	if r.Running {
		fmt.Print(" (running)")
	}
	fmt.Println()
	c := r.Counts
	fmt.Printf("chunks:   %d total, %d analyzed, %d pending, %d in progress, %d failed, %d skipped\n",
		c.Total, c.Analyzed, c.Pending+c.Transcribed, c.InProgress, c.Failed, c.Skipped)
	if j.OutputPath != "" {
		fmt.Printf("notes:    %s\n", j.OutputPath)
	}
	if j.Error != nil {
		fmt.Printf("error:    [%s] %s\n", j.Error.Kind, j.Error.Message)
	}
	for _, p := range r.Problems {
		fmt.Printf("  chunk %s  attempts=%d  err=%q\n", p, p.AttemptCount, p.LastError)
	}
}
