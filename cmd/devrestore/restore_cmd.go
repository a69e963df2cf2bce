package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/devrestore/internal/logging"
	"github.com/breeze-rmm/devrestore/internal/oplog"
	"github.com/breeze-rmm/devrestore/internal/restore"
)

var (
	restoreErase           bool
	restoreExcludeBaseband bool
	restoreDebug           bool
	restoreTimeout         time.Duration
)

var restoreCmd = &cobra.Command{
	Use:   "restore <ipsw>",
	Short: "Restore firmware onto the connected device",
	Long: `Restore firmware onto the connected device.

Flags not given fall back to the configured defaults. Ctrl-C cancels the
restore; --timeout cancels it after the given duration.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().BoolVarP(&restoreErase, "erase", "e", true, "erase all data on the device")
	restoreCmd.Flags().BoolVarP(&restoreExcludeBaseband, "exclude-baseband", "x", true, "skip the baseband update")
	restoreCmd.Flags().BoolVarP(&restoreDebug, "debug", "d", true, "enable restore tool debug output")
	restoreCmd.Flags().DurationVar(&restoreTimeout, "timeout", 0, "cancel the restore after this long (0 = no limit)")
}

func runRestore(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	opts := restore.Options{
		ImagePath:       args[0],
		EraseData:       a.cfg.DefaultErase,
		ExcludeBaseband: a.cfg.DefaultExcludeBaseband,
		DebugMode:       a.cfg.DefaultDebug,
	}
	if cmd.Flags().Changed("erase") {
		opts.EraseData = restoreErase
	}
	if cmd.Flags().Changed("exclude-baseband") {
		opts.ExcludeBaseband = restoreExcludeBaseband
	}
	if cmd.Flags().Changed("debug") {
		opts.DebugMode = restoreDebug
	}

	out := cmd.OutOrStdout()
	for _, tool := range a.checkTools() {
		if tool == a.cfg.RestoreTool {
			return fmt.Errorf("%s not found in PATH; install it before restoring", tool)
		}
	}

	stopPrinting := printEntries(out, a.sink)

	if state := a.devices.Detect(cmd.Context()); !state.Connected {
		fmt.Fprintln(out, "Warning: no device detected, the restore tool will wait for one")
	}

	h, err := a.restores.Start(cmd.Context(), opts)
	if err != nil {
		stopPrinting()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go cancelOnSignal(ctx, a.restores, h, restoreTimeout)

	snap, err := a.restores.Wait(context.Background(), h)
	stopPrinting()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, summary(snap))
	if !snap.Succeeded() {
		return errRestoreFailed
	}
	return nil
}

// cancelOnSignal cancels h when ctx ends or timeout elapses, whichever
// comes first. It returns quietly if the restore already finished.
func cancelOnSignal(ctx context.Context, restores *restore.Orchestrator, h restore.Handle, timeout time.Duration) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-ctx.Done():
	case <-deadline:
		log.Warn("restore timed out", "timeout", timeout.String(), logging.KeyOperationID, string(h))
	}
	if err := restores.Cancel(h); err != nil {
		log.Debug("cancel skipped", logging.KeyError, err)
	}
}

// printEntries writes every entry appended to sink from now on. The returned
// function prints whatever is still pending and stops.
func printEntries(w io.Writer, sink *oplog.Log) (stop func()) {
	return sink.Follow(256, func(e oplog.Entry) {
		fmt.Fprintln(w, e.String())
	})
}

func summary(snap restore.Snapshot) string {
	switch snap.Status {
	case restore.StatusSucceeded:
		return "Restore succeeded"
	case restore.StatusCancelled:
		return "Restore cancelled"
	default:
		if snap.ExitCode != nil {
			return fmt.Sprintf("Restore failed (exit code %d): %s", *snap.ExitCode, snap.Message)
		}
		return fmt.Sprintf("Restore failed: %s", snap.Message)
	}
}
