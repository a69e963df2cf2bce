package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	cfgFile   string
	logLevel  string
	logFormat string
)

// errRestoreFailed signals a restore that ended in anything but success; the
// outcome has already been printed.
var errRestoreFailed = errors.New("restore did not succeed")

var rootCmd = &cobra.Command{
	Use:           "devrestore",
	Short:         "Device firmware restore tool",
	Long:          `devrestore detects a USB-connected mobile device and drives a firmware restore through idevicerestore, from the terminal or over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "devrestore v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is devrestore.yaml in the config directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format override (text, json)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(firmwareCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(exitRecoveryCmd)
	rootCmd.AddCommand(forceRestartCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errRestoreFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
