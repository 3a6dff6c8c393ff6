// Package logging provides the engine's structured logger: diagnostic logs
// go to stderr in console form, or to stdout as JSON lines when the CLI's
// stderr is not a terminal (piped output, CI).
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger for CLI use. console=true renders
// human-readable, timestamped lines to stderr; console=false emits JSON
// lines to stdout, for non-interactive/log-aggregated runs.
func New(console bool) zerolog.Logger {
	var w io.Writer
	if console {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	} else {
		w = os.Stdout
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything, for callers (tests,
// library embedders) that don't want engine diagnostics.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
