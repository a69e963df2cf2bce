package restore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/devrestore/internal/audit"
	"github.com/breeze-rmm/devrestore/internal/executor"
	"github.com/breeze-rmm/devrestore/internal/logging"
	"github.com/breeze-rmm/devrestore/internal/oplog"
	"github.com/breeze-rmm/devrestore/internal/workerpool"
)

var log = logging.L("restore")

const lineBuffer = 64

// Process is a launched restore tool. executor.Started satisfies it.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Pid() int
	Wait() (int, error)
	Kill() error
}

// Launcher starts the restore tool without waiting for it.
type Launcher func(ctx context.Context, name string, args ...string) (Process, error)

// Submitter runs blocking tasks in the background. *workerpool.Pool satisfies it.
type Submitter interface {
	Submit(task workerpool.Task) error
}

func startProcess(ctx context.Context, name string, args ...string) (Process, error) {
	p, err := executor.Start(ctx, name, args...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type operation struct {
	id        Handle
	opts      Options
	status    Status
	progress  int
	message   string
	exitCode  *int
	startedAt time.Time
	endedAt   time.Time
	logStart  uint64

	proc            Process
	cancelRequested bool
	exited          bool
	done            chan struct{}
	log             *slog.Logger
}

func (op *operation) snapshot() Snapshot {
	s := Snapshot{
		ID:        op.id,
		Status:    op.status,
		Progress:  op.progress,
		Message:   op.message,
		Options:   op.opts,
		StartedAt: op.startedAt,
		EndedAt:   op.endedAt,
		LogStart:  op.logStart,
		Active:    !op.exited,
	}
	if op.exitCode != nil {
		code := *op.exitCode
		s.ExitCode = &code
	}
	return s
}

// apply folds an inferred signal into the operation. Callers hold the lock
// and only apply signals while the operation is running.
func (op *operation) apply(sig Signal) {
	switch sig.Kind {
	case SignalProgress:
		if sig.Percent > op.progress {
			op.progress = sig.Percent
		}
	case SignalDone:
		op.progress = 100
		op.status = StatusSucceeded
	case SignalFailed:
		op.progress = 0
		op.status = StatusFailed
	}
}

// Orchestrator owns at most one restore operation at a time.
type Orchestrator struct {
	tool       string
	launch     Launcher
	pool       Submitter
	sink       *oplog.Log
	audit      *audit.Logger
	strayCheck func(tool string) ([]int, error)

	mu       sync.Mutex
	op       *operation
	starting bool
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLauncher replaces the process launcher, mainly for tests.
func WithLauncher(l Launcher) Option {
	return func(o *Orchestrator) { o.launch = l }
}

// WithAudit records start, cancel and finish events to a.
func WithAudit(a *audit.Logger) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithStrayCheck sets the lookup used to warn about restore tool processes
// that are already running. nil disables the check.
func WithStrayCheck(fn func(tool string) ([]int, error)) Option {
	return func(o *Orchestrator) { o.strayCheck = fn }
}

// New creates an orchestrator that runs tool on pool and writes its output to sink.
func New(tool string, pool Submitter, sink *oplog.Log, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tool:       tool,
		launch:     startProcess,
		pool:       pool,
		sink:       sink,
		strayCheck: executor.FindRunning,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start validates opts, launches the restore tool and returns immediately.
// Preconditions are checked in order: nothing running, then the image exists.
// On error no state has changed.
func (o *Orchestrator) Start(ctx context.Context, opts Options) (Handle, error) {
	o.mu.Lock()
	if o.starting || (o.op != nil && (o.op.status == StatusRunning || !o.op.exited)) {
		o.mu.Unlock()
		return "", ErrAlreadyInProgress
	}
	if err := checkImage(opts.ImagePath); err != nil {
		o.mu.Unlock()
		return "", err
	}
	o.starting = true
	o.mu.Unlock()

	op, err := o.launchOperation(ctx, opts)

	o.mu.Lock()
	o.starting = false
	if err == nil {
		o.op = op
	}
	o.mu.Unlock()

	if err != nil {
		o.appendf("Failed to start restore: %v", err)
		return "", err
	}
	return op.id, nil
}

func (o *Orchestrator) launchOperation(ctx context.Context, opts Options) (*operation, error) {
	id := Handle(uuid.NewString())
	oplogger := logging.WithOperation(log, string(id))
	args := BuildArgs(opts)

	o.warnStray(oplogger)

	cmdline := o.tool + " " + strings.Join(args, " ")
	first := o.appendf("Running command: %s", cmdline)

	proc, err := o.launch(ctx, o.tool, args...)
	if err != nil {
		oplogger.Error("restore tool launch failed", logging.KeyTool, o.tool, logging.KeyError, err)
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailure, err)
	}

	op := &operation{
		id:        id,
		opts:      opts,
		status:    StatusRunning,
		message:   "Starting restore...",
		startedAt: time.Now(),
		logStart:  first.Seq,
		proc:      proc,
		done:      make(chan struct{}),
		log:       oplogger,
	}

	if err := o.supervise(op); err != nil {
		if kerr := proc.Kill(); kerr != nil {
			oplogger.Warn("failed to kill restore tool after scheduling error", logging.KeyError, kerr)
		}
		go proc.Wait()
		oplogger.Error("could not schedule restore workers", logging.KeyError, err)
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailure, err)
	}

	oplogger.Info("restore started", logging.KeyTool, o.tool, logging.KeyPID, proc.Pid(), "imagePath", opts.ImagePath)
	o.audit.Log(audit.EventRestoreStarted, string(id), map[string]any{
		"imagePath":       opts.ImagePath,
		"eraseData":       opts.EraseData,
		"excludeBaseband": opts.ExcludeBaseband,
		"debugMode":       opts.DebugMode,
	})
	return op, nil
}

// supervise schedules one reader per output stream and a single consumer
// that applies lines in receipt order, then waits for the process to exit.
func (o *Orchestrator) supervise(op *operation) error {
	ctx, cancel := context.WithCancel(context.Background())
	lines := make(chan executor.Line, lineBuffer)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		readers.Wait()
		close(lines)
	}()

	read := func(r io.Reader, stream executor.Stream) workerpool.Task {
		return func() {
			defer readers.Done()
			if err := executor.ScanLines(ctx, r, stream, lines); err != nil {
				op.log.Warn("restore output reader stopped", "stream", string(stream), logging.KeyError, err)
				// Keep the pipe drained so the tool never blocks on a full buffer.
				io.Copy(io.Discard, r)
			}
		}
	}

	tasks := []workerpool.Task{
		read(op.proc.Stdout(), executor.Stdout),
		read(op.proc.Stderr(), executor.Stderr),
		func() {
			defer cancel()
			for line := range lines {
				o.handleLine(op, line)
			}
			code, err := op.proc.Wait()
			o.finish(op, code, err)
		},
	}

	for i, task := range tasks {
		if err := o.pool.Submit(task); err != nil {
			cancel()
			// Release the readers that never got scheduled.
			for j := i; j < 2; j++ {
				readers.Done()
			}
			return err
		}
	}
	return nil
}

func (o *Orchestrator) handleLine(op *operation, line executor.Line) {
	sig := Infer(line.Text)

	o.mu.Lock()
	op.message = line.Text
	if op.status == StatusRunning {
		op.apply(sig)
	}
	o.mu.Unlock()

	o.appendf("%s", line.Text)
	op.log.Debug("restore output", "stream", string(line.Stream), "line", line.Text)
}

func (o *Orchestrator) finish(op *operation, code int, waitErr error) {
	o.mu.Lock()
	op.exited = true
	op.endedAt = time.Now()
	switch {
	case op.cancelRequested:
		op.status = StatusCancelled
		op.exitCode = nil
	case waitErr != nil:
		op.status = StatusFailed
		op.message = waitErr.Error()
	case code == 0:
		op.exitCode = &code
		if op.status == StatusRunning {
			op.status = StatusSucceeded
			op.progress = 100
		}
	default:
		op.exitCode = &code
		op.status = StatusFailed
	}
	snap := op.snapshot()
	o.mu.Unlock()

	switch {
	case snap.Status == StatusCancelled:
		o.appendf("Restore cancelled")
	case waitErr != nil:
		o.appendf("Restore failed: %v", waitErr)
	case snap.Status == StatusSucceeded:
		o.appendf("Restore completed successfully")
	case code != 0:
		o.appendf("Restore failed with exit code: %d", code)
	default:
		o.appendf("Restore failed: %s", snap.Message)
	}

	duration := snap.EndedAt.Sub(snap.StartedAt)
	op.log.Info("restore finished",
		"status", string(snap.Status),
		logging.KeyExitCode, code,
		logging.KeyDurationMs, duration.Milliseconds(),
	)

	details := map[string]any{
		"status":     string(snap.Status),
		"progress":   snap.Progress,
		"durationMs": duration.Milliseconds(),
	}
	if snap.ExitCode != nil {
		details["exitCode"] = *snap.ExitCode
	}
	o.audit.Log(audit.EventRestoreFinished, string(op.id), details)

	close(op.done)
}

// Progress returns a snapshot of the operation identified by h. It never
// blocks on the restore tool and never reports restore failures as errors.
func (o *Orchestrator) Progress(h Handle) (Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.op == nil || o.op.id != h {
		return Snapshot{Status: StatusIdle}, ErrUnknownOperation
	}
	return o.op.snapshot(), nil
}

// Current returns a snapshot of the current operation, or an idle snapshot.
func (o *Orchestrator) Current() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.op == nil {
		return Snapshot{Status: StatusIdle}
	}
	return o.op.snapshot()
}

// Cancel asks the restore tool to stop while its process is alive, even if
// its output already reported an outcome. The status becomes Cancelled only
// once the process has exited; poll Progress or use Wait to observe it.
func (o *Orchestrator) Cancel(h Handle) error {
	o.mu.Lock()
	op := o.op
	// A DONE or ERROR line makes the status terminal while the tool may
	// still be alive; the process is what gets cancelled.
	if op == nil || op.exited {
		o.mu.Unlock()
		return ErrNotRunning
	}
	if op.id != h {
		o.mu.Unlock()
		return ErrUnknownOperation
	}
	if op.cancelRequested {
		o.mu.Unlock()
		return nil
	}
	op.cancelRequested = true
	proc := op.proc
	o.mu.Unlock()

	o.appendf("Cancelling restore...")
	op.log.Info("restore cancel requested")
	o.audit.Log(audit.EventRestoreCancelRequested, string(op.id), nil)

	if err := proc.Kill(); err != nil {
		op.log.Warn("failed to signal restore tool", logging.KeyError, err)
	}
	return nil
}

// Acknowledge returns a finished operation to Idle. Acknowledging when
// nothing is recorded is a no-op.
func (o *Orchestrator) Acknowledge(h Handle) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.op == nil {
		return nil
	}
	if o.op.id != h {
		return ErrUnknownOperation
	}
	if o.op.status == StatusRunning || !o.op.exited {
		return ErrAlreadyInProgress
	}
	o.op = nil
	return nil
}

// Wait blocks until the operation identified by h has finished and its
// process has exited, or until ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, h Handle) (Snapshot, error) {
	o.mu.Lock()
	op := o.op
	o.mu.Unlock()
	if op == nil || op.id != h {
		return Snapshot{Status: StatusIdle}, ErrUnknownOperation
	}

	select {
	case <-op.done:
	case <-ctx.Done():
		return o.Current(), ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return op.snapshot(), nil
}

// ProcessStats samples resource usage of the running restore tool.
func (o *Orchestrator) ProcessStats(h Handle) (*executor.ProcessStats, error) {
	o.mu.Lock()
	op := o.op
	if op == nil || op.id != h {
		o.mu.Unlock()
		return nil, ErrUnknownOperation
	}
	if op.exited {
		o.mu.Unlock()
		return nil, ErrNotRunning
	}
	pid := op.proc.Pid()
	o.mu.Unlock()

	return executor.Stats(pid)
}

func (o *Orchestrator) warnStray(logger *slog.Logger) {
	if o.strayCheck == nil {
		return
	}
	pids, err := o.strayCheck(o.tool)
	if err != nil {
		logger.Debug("stray process check failed", logging.KeyError, err)
		return
	}
	if len(pids) > 0 {
		logger.Warn("restore tool already running outside this service", logging.KeyTool, o.tool, "pids", pids)
		o.appendf("Warning: %s is already running (pid %v)", o.tool, pids)
	}
}

func (o *Orchestrator) appendf(format string, args ...any) oplog.Entry {
	if o.sink == nil {
		return oplog.Entry{}
	}
	return o.sink.Appendf(format, args...)
}
