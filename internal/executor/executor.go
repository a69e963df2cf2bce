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
	"time"

	"github.com/breeze-rmm/devrestore/internal/logging"
)

var log = logging.L("executor")

const (
	// MaxOutputSize is the maximum size of captured stdout
	MaxOutputSize = 1024 * 1024 // 1MB

	// MaxLineSize is the longest single output line the stream scanner accepts
	MaxLineSize = 1024 * 1024

	waitDelay = 2 * time.Second
)

// Stream identifies which output stream a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one non-empty line of process output.
type Line struct {
	Text   string
	Stream Stream
}

// Result is the outcome of a process run to completion by Capture.
type Result struct {
	Stdout   string
	ExitCode int
}

// Capture runs name with args to completion and returns its standard output.
// A non-zero exit is reported through Result.ExitCode, not as an error; the
// error is reserved for launch failures, context expiry and I/O problems.
func Capture(ctx context.Context, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: MaxOutputSize}
	setProcessGroup(cmd)
	// On expiry kill the whole group so grandchildren holding stdout don't stall Run.
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	result := &Result{Stdout: stdout.String()}
	if err == nil {
		return result, nil
	}

	if ctx.Err() != nil {
		log.Warn("command timed out", logging.KeyTool, name)
		return nil, fmt.Errorf("%s: %w", name, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		log.Debug("command exited non-zero", logging.KeyTool, name, logging.KeyExitCode, result.ExitCode)
		return result, nil
	}

	return nil, fmt.Errorf("run %s: %w", name, err)
}

// LookPath reports the resolved path of each tool, or the lookup error.
func LookPath(tools ...string) map[string]error {
	missing := make(map[string]error, len(tools))
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			missing[tool] = err
		} else {
			missing[tool] = nil
		}
	}
	return missing
}

// Started is a launched process whose output the caller consumes.
// Stdout and Stderr must be read to EOF before Wait is called.
type Started struct {
	name   string
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// Start launches name with args in its own process group without waiting
// for it. The context only bounds the launch; use Kill to stop the process.
func Start(ctx context.Context, name string, args ...string) (*Started, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(name, args...)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	log.Info("process started", logging.KeyTool, name, logging.KeyPID, cmd.Process.Pid, "args", strings.Join(args, " "))
	return &Started{name: name, cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (s *Started) Stdout() io.Reader { return s.stdout }
func (s *Started) Stderr() io.Reader { return s.stderr }

func (s *Started) Pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Wait blocks until the process exits and returns its exit code. The error is
// non-nil only when the exit status could not be determined.
func (s *Started) Wait() (int, error) {
	err := s.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		// Killed by a signal: report the shell convention 128+signal.
		return signalExitCode(exitErr), nil
	}
	return -1, err
}

// Kill terminates the whole process group.
func (s *Started) Kill() error {
	return killProcessGroup(s.cmd)
}

// ScanLines reads r line by line and sends every non-empty, trimmed line to
// out until EOF or until ctx is done. Order within r is preserved.
func ScanLines(ctx context.Context, r io.Reader, stream Stream, out chan<- Line) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		select {
		case out <- Line{Text: text, Stream: stream}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// limitedWriter wraps a buffer with a size limit
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

func (w *limitedWriter) Write(p []byte) (n int, err error) {
	if w.written >= w.limit {
		// Discard additional data but don't error
		return len(p), nil
	}

	remaining := w.limit - w.written
	if len(p) > remaining {
		p = p[:remaining]
	}

	n, err = w.buf.Write(p)
	w.written += n
	return len(p), err // Return original length to avoid short write errors
}
