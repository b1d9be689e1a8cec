// Package logging builds the zerolog.Logger instances used throughout
// fbuild. The daemon logs structured JSON to its state directory; the
// CLI logs human-readable lines to stderr.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// NewCLILogger returns a console-formatted logger for interactive client
// commands (deploy/monitor/daemon status), verbose-gated the way the
// teacher's CLI gates tracebacks behind a verbose flag.
func NewCLILogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// NewDaemonLogger returns a JSON logger for the long-lived daemon process,
// writing to w (typically the daemon's own log file under its state dir).
func NewDaemonLogger(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Discard returns a logger that drops everything, used by tests that don't
// want to assert on log output.
func Discard() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}
