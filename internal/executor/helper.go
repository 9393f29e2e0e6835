package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/videoinsight/pkg/logger"
)

const (
	dimStart = "\033[2m"
	dimEnd   = "\033[0m"
)

// CommandResult is the captured output of one external command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs external tools. Tests swap in a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

// ExecRunner runs commands with os/exec. With Stream set, output is echoed
// dimmed to stderr while it is captured.
type ExecRunner struct {
	Stream bool
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	logger.Debugf("  Command: %s %s", name, strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, name, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	var err error
	if r.Stream {
		err = runStreaming(cmd, &stdoutBuf, &stderrBuf)
	} else {
		cmd.Stdout = &stdoutBuf
		cmd.Stderr = &stderrBuf
		err = cmd.Run()
	}

	res := CommandResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

func runStreaming(cmd *exec.Cmd, stdoutBuf, stderrBuf *bytes.Buffer) error {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go StreamDimmed(&wg, stdoutPipe, stdoutBuf)
	go StreamDimmed(&wg, stderrPipe, stderrBuf)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	wg.Wait()
	return cmd.Wait()
}

// StreamDimmed reads from r, writes to buf for capture, and prints dimmed to stderr.
func StreamDimmed(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	// Increase buffer for potentially long lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		fmt.Fprintf(os.Stderr, "%s  │ %s%s\n", dimStart, line, dimEnd)
	}

	if err := scanner.Err(); err != nil {
		logger.Debugf("Scanner error (may be normal): %v", err)
	}
}

// commandError folds the tail of stderr into err.
func commandError(name string, res CommandResult, err error) error {
	stderr := strings.TrimSpace(res.Stderr)
	if len(stderr) > 500 {
		stderr = "..." + stderr[len(stderr)-500:]
	}
	if stderr == "" {
		return fmt.Errorf("%s exited %d: %w", name, res.ExitCode, err)
	}
	return fmt.Errorf("%s exited %d: %w\n%s", name, res.ExitCode, err, stderr)
}

func containsAny(s string, needles ...string) bool {
	s = strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(s, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
