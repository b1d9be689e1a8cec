// Package cli wires fbuild's cobra subcommands: deploy, monitor, and the
// daemon run/status/stop/install-service family. Grounded on the
// teacher's internal/cli/root.go single-binary-many-subcommands
// structure.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kjarmicki/fbuild/internal/config"
	"github.com/kjarmicki/fbuild/internal/protocol"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "fbuild",
	Short: "Build, deploy, and monitor embedded firmware projects",
	Long:  "Coordinates building, flashing, and serial-monitoring ESP32/AVR firmware projects through a background daemon that serializes access to shared ports and project directories.",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print full error detail instead of a short message")
}

// daemonStaleThreshold loads the user's configured staleness threshold so
// CLI commands judge a status snapshot stale the same way the daemon that
// produced it was configured to. It falls back to protocol.DefaultStaleThreshold
// on any load error, matching config.LoadDaemon's own fall-back-to-defaults
// behavior for a missing config file.
func daemonStaleThreshold() time.Duration {
	cfgPath, err := config.DefaultPath()
	if err != nil {
		return protocol.DefaultStaleThreshold
	}
	cfg, err := config.LoadDaemon(cfgPath)
	if err != nil {
		return protocol.DefaultStaleThreshold
	}
	return time.Duration(cfg.StaleThresholdSec) * time.Second
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if verbose {
			fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

