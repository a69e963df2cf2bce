package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/devrestore/internal/audit"
	"github.com/breeze-rmm/devrestore/internal/config"
	"github.com/breeze-rmm/devrestore/internal/device"
	"github.com/breeze-rmm/devrestore/internal/firmware"
	"github.com/breeze-rmm/devrestore/internal/health"
	"github.com/breeze-rmm/devrestore/internal/httpapi"
	"github.com/breeze-rmm/devrestore/internal/logging"
	"github.com/breeze-rmm/devrestore/internal/restore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Detect the connected device and check the external tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		state := a.devices.Detect(cmd.Context())
		a.checkTools()
		printStatus(cmd.OutOrStdout(), state, a.health.All())
		return nil
	},
}

func printStatus(w io.Writer, state device.State, checks []health.Check) {
	if state.Connected {
		fmt.Fprintf(w, "Device: Connected (%s)\n", state.Mode.Label())
	} else {
		fmt.Fprintf(w, "Device: %s\n", state.Mode.Label())
	}
	if state.Error != "" {
		fmt.Fprintf(w, "Detection error: %s\n", state.Error)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPONENT\tSTATUS\tDETAIL")
	for _, c := range checks {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.Status, c.Message)
	}
	tw.Flush()
}

var firmwareCmd = &cobra.Command{
	Use:   "firmware [dir]",
	Short: "List .ipsw images (default: the configured firmware directory)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := loadConfig()
		if err != nil {
			return err
		}
		defer closer.Close()

		dir := cfg.FirmwareDir
		if len(args) == 1 {
			dir = args[0]
		}
		if dir == "" {
			dir = firmware.DefaultDir()
		}

		images, err := firmware.Scan(dir)
		if err != nil {
			return err
		}
		printImages(cmd.OutOrStdout(), dir, images)
		return nil
	},
}

func printImages(w io.Writer, dir string, images []firmware.Image) {
	if len(images) == 0 {
		fmt.Fprintf(w, "No .ipsw files found in %s\n", dir)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tPATH")
	for _, img := range images {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", img.Name, img.Size, img.Path)
	}
	tw.Flush()
}

var exitRecoveryCmd = &cobra.Command{
	Use:   "exit-recovery",
	Short: "Ask a device in recovery mode to reboot normally",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		stopPrinting := printEntries(out, a.sink)

		a.devices.Detect(cmd.Context())
		state, err := a.devices.ExitRecovery(cmd.Context())
		stopPrinting()

		switch {
		case errors.Is(err, device.ErrNotInRecovery):
			return errors.New("no device in recovery mode detected")
		case errors.Is(err, device.ErrDeviceCommunication):
			fmt.Fprintln(out, "If the device does not respond, force restart it:")
			printForceRestart(out)
		case err == nil && state.Mode == device.ModeRecovery:
			fmt.Fprintln(out, "Device is still in recovery mode. Force restart it:")
			printForceRestart(out)
		}
		return err
	},
}

var forceRestartSteps = []string{
	"Hold Power + Home buttons together for 15-20 seconds",
	"Release both buttons",
	"Wait for Apple logo to appear",
	"This should exit recovery mode if successful",
}

// printForceRestart writes the manual button sequence that reboots a device
// which ignores software requests.
func printForceRestart(w io.Writer) {
	for i, step := range forceRestartSteps {
		fmt.Fprintf(w, "  %d. %s\n", i+1, step)
	}
	fmt.Fprintln(w, "On devices without a Home button, press Volume Up, then Volume Down, then hold Side until the Apple logo appears.")
}

var forceRestartCmd = &cobra.Command{
	Use:   "force-restart",
	Short: "Show how to force restart a device by hand",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Force restart instructions:")
		printForceRestart(out)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if missing := a.checkTools(); len(missing) > 0 {
			log.Warn("external tools missing", "tools", missing)
		}
		a.devices.Detect(cmd.Context())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a.audit.Log(audit.EventServiceStart, "", map[string]any{"version": version, "listenAddr": a.cfg.ListenAddr})
		srv := httpapi.New(a.devices, a.restores, a.sink, a.health, a.firmwareDir(), httpapi.Defaults{
			EraseData:       a.cfg.DefaultErase,
			ExcludeBaseband: a.cfg.DefaultExcludeBaseband,
			DebugMode:       a.cfg.DefaultDebug,
		})
		fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s\n", a.cfg.ListenAddr)
		err = srv.ListenAndServe(ctx, a.cfg.ListenAddr)

		stopRunningRestore(a.restores, poolShutdownTimeout)
		a.audit.Log(audit.EventServiceStop, "", nil)
		return err
	},
}

// restoreController is the part of the orchestrator shutdown needs.
type restoreController interface {
	Current() restore.Snapshot
	Cancel(h restore.Handle) error
	Wait(ctx context.Context, h restore.Handle) (restore.Snapshot, error)
}

// stopRunningRestore cancels a restore whose tool is still alive at shutdown,
// whatever its output reported, and waits up to timeout for the tool to exit.
func stopRunningRestore(rc restoreController, timeout time.Duration) {
	snap := rc.Current()
	if snap.ID == "" || !snap.Active {
		return
	}
	log.Info("cancelling running restore before shutdown", logging.KeyOperationID, string(snap.ID), "status", string(snap.Status))
	if err := rc.Cancel(snap.ID); err != nil {
		log.Warn("cancel at shutdown failed", logging.KeyError, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := rc.Wait(ctx, snap.ID); err != nil {
		log.Warn("restore tool did not exit before shutdown", logging.KeyError, err)
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := loadConfig()
		if err != nil {
			return err
		}
		defer closer.Close()
		return printConfig(cmd.OutOrStdout(), cfg)
	},
}

var configSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Write the effective configuration to the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := loadConfig()
		if err != nil {
			return err
		}
		defer closer.Close()

		if err := config.SaveTo(cfg, cfgFile); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		path := cfgFile
		if path == "" {
			path = config.ConfigDir()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSaveCmd)
}

func printConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
