package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/gatekeeper-sh/gatekeeper/internal/domain/policy"
)

const (
	defaultShellTimeout = 30 * time.Second
	defaultOutputCap    = 1 << 20 // 1 MiB per stream
	elisionSuffix       = "\n...[output truncated]"
)

// Shell executes shell.exec through the platform shell with a kill timer
// and capped output buffers.
type Shell struct {
	logger *slog.Logger
}

// NewShell returns the shell.exec executor.
func NewShell(logger *slog.Logger) *Shell {
	return &Shell{logger: logger}
}

func (s *Shell) Name() string { return policy.ToolShellExec }

// cappedBuffer keeps at most cap bytes and remembers whether it dropped any.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	cap       int64
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.cap - int64(b.buf.Len())
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + elisionSuffix
	}
	return b.buf.String()
}

func (b *cappedBuffer) wasTruncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Execute runs the command. Effective timeout is the smaller of the
// requested timeoutMs and the policy ceiling; output per stream is capped
// at max_output_bytes.
func (s *Shell) Execute(ctx context.Context, args map[string]any, tp policy.ToolPolicy) Result {
	command, _ := args["command"].(string)
	if command == "" {
		return failure("command is required")
	}
	cwd, _ := args["cwd"].(string)

	timeout := defaultShellTimeout
	if requested, ok := numberArg(args, "timeoutMs"); ok && requested > 0 {
		timeout = time.Duration(requested) * time.Millisecond
	}
	if tp.MaxTimeoutMs > 0 {
		if ceiling := time.Duration(tp.MaxTimeoutMs) * time.Millisecond; timeout > ceiling {
			timeout = ceiling
		}
	}

	outputCap := int64(defaultOutputCap)
	if tp.MaxOutputBytes > 0 {
		outputCap = tp.MaxOutputBytes
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", command)
	}
	if cwd != "" {
		cmd.Dir = cwd
	}

	stdout := &cappedBuffer{cap: outputCap}
	stderr := &cappedBuffer{cap: outputCap}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	setProcessGroup(cmd)
	// A grandchild that escapes the group (setsid) can still hold the
	// pipes; WaitDelay bounds the wait after the kill.
	cmd.WaitDelay = time.Second

	started := time.Now()
	err := cmd.Run()
	durationMs := time.Since(started).Milliseconds()

	output := map[string]any{
		"stdout":     stdout.String(),
		"stderr":     stderr.String(),
		"durationMs": durationMs,
	}
	if stdout.wasTruncated() || stderr.wasTruncated() {
		output["truncated"] = true
	}

	if ctx.Err() == context.DeadlineExceeded {
		output["killed"] = true
		output["exitCode"] = -1
		return Result{
			Success: false,
			Output:  output,
			Error:   fmt.Sprintf("Command timed out after %dms", timeout.Milliseconds()),
		}
	}

	if errors.Is(err, exec.ErrWaitDelay) {
		// The shell exited before the deadline but something kept the
		// pipes open past the grace window; report the shell's own exit.
		code := cmd.ProcessState.ExitCode()
		output["exitCode"] = code
		if code == 0 {
			return Result{Success: true, Output: output}
		}
		return Result{
			Success: false,
			Output:  output,
			Error:   fmt.Sprintf("Command exited with code %d", code),
		}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			output["exitCode"] = exitErr.ExitCode()
			return Result{
				Success: false,
				Output:  output,
				Error:   fmt.Sprintf("Command exited with code %d", exitErr.ExitCode()),
			}
		}
		return failure("start command: %v", err)
	}

	output["exitCode"] = 0
	return Result{Success: true, Output: output}
}

func numberArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

var _ Executor = (*Shell)(nil)
