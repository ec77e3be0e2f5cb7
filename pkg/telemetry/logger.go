// Package telemetry provides logging and metrics for the hop subsystem.
package telemetry

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// NewLogger creates a leveled key/value logger prefixed "hop".
// level is one of debug, info, warn, error; anything else means info.
func NewLogger(w io.Writer, level string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := log.NewWithOptions(w, log.Options{
		Prefix:          "hop",
		ReportTimestamp: true,
	})
	l.SetLevel(ParseLevel(level))
	return l
}

// ParseLevel maps a settings string to a log level.
func ParseLevel(s string) log.Level {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// Discard returns a logger that drops everything. Components default to it.
func Discard() *log.Logger {
	l := log.New(io.Discard)
	l.SetLevel(log.FatalLevel)
	return l
}
