package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/fairyhunter13/agentboard/internal/domain"
	"github.com/fairyhunter13/agentboard/pkg/ansix"
)

const (
	progressEveryLines = 20
	progressEvery      = 2 * time.Second
	terminateGrace     = 5 * time.Second
)

// AgentExecutor spawns the configured AI CLI with the task prompt on stdin
// and streams its stdout. The subprocess is a scoped resource: every exit
// path terminates, waits briefly and force-kills.
type AgentExecutor struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// NewAgentExecutor constructs an AgentExecutor from the runtime config.
func NewAgentExecutor(cfg Config) *AgentExecutor {
	return &AgentExecutor{Command: cfg.AgentCommand, Args: cfg.AgentArgs, Timeout: cfg.ExecTimeout}
}

// Execute runs the CLI to completion or timeout. Non-zero exit or empty
// output is a failure; the last output line becomes the error summary.
func (e *AgentExecutor) Execute(ctx context.Context, task domain.TaskView, progress ProgressFunc) (string, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := e.Args
	if task.AgentModel != "" {
		args = append(append([]string{}, args...), "--model", task.AgentModel)
	}
	cmd := exec.CommandContext(ctx, e.Command, args...)
	cmd.Stdin = strings.NewReader(task.PromptText)
	cmd.Cancel = func() error {
		// SIGTERM first so the CLI can flush; WaitDelay escalates to SIGKILL.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("op=agent.exec: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = limitWriter(&stderr, 8192)

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("op=agent.exec: start %s: %w", e.Command, err)
	}
	slog.Info("agent subprocess started",
		slog.String("task_id", task.ID),
		slog.String("command", e.Command),
		slog.Int("pid", cmd.Process.Pid))

	lines := streamLines(stdout, progress)
	waitErr := cmd.Wait()
	output := strings.TrimSpace(strings.Join(lines, "\n"))

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return output, fmt.Errorf("op=agent.exec: execution timed out after %s", timeout)
		}
		return output, fmt.Errorf("op=agent.exec: cancelled")
	}
	if waitErr != nil {
		summary := lastLine(lines)
		if summary == "" {
			summary = strings.TrimSpace(stderr.String())
		}
		if summary == "" {
			summary = waitErr.Error()
		}
		return output, fmt.Errorf("op=agent.exec: %s", summary)
	}
	if output == "" {
		return "", fmt.Errorf("op=agent.exec: empty output")
	}
	return output, nil
}

// streamLines consumes stdout line by line, stripping terminal chrome and
// reporting progress every progressEveryLines lines or progressEvery
// seconds, whichever comes first.
func streamLines(r io.Reader, progress ProgressFunc) []string {
	var lines []string
	var pending []string
	lastReport := time.Now()

	flush := func() {
		if len(pending) == 0 || progress == nil {
			return
		}
		progress(strings.Join(pending, "\n"))
		pending = pending[:0]
		lastReport = time.Now()
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := ansix.CleanLine(sc.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
		pending = append(pending, line)
		if len(pending) >= progressEveryLines || time.Since(lastReport) >= progressEvery {
			flush()
		}
	}
	flush()
	return lines
}

func lastLine(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

type cappedWriter struct {
	w   io.Writer
	max int
	n   int
}

func limitWriter(w io.Writer, max int) io.Writer { return &cappedWriter{w: w, max: max} }

func (c *cappedWriter) Write(p []byte) (int, error) {
	if c.n >= c.max {
		return len(p), nil
	}
	if c.n+len(p) > c.max {
		if _, err := c.w.Write(p[:c.max-c.n]); err != nil {
			return 0, err
		}
		c.n = c.max
		return len(p), nil
	}
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}
