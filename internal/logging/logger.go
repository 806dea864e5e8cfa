// Package logging builds the structured slog.Logger shared by the capture
// and replay coordinators, plus the per-session fan-out logger used to
// mirror one trace's diagnostics into its own file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Role identifies which half of the trace pipeline a logger is attached
// to. It is stamped onto every record NewLogger produces and also picks
// the output format default, since the two halves have very different
// audiences: a capture harness normally runs unattended, feeding a log
// aggregator, while a replay or inspect run is usually watched at a
// terminal by the person who pulled the archive.
type Role string

const (
	RoleCapture Role = "capture"
	RoleReplay  Role = "replay"
)

// defaultFormat returns the role's preferred handler format when the
// caller didn't pin one explicitly.
func (r Role) defaultFormat() string {
	if r == RoleReplay {
		return "text"
	}
	return "json"
}

// NewLogger builds a slog.Logger configured with the given level, format,
// and output destination, pre-tagged with role as a "role" attribute so
// capture and replay records interleave cleanly in a shared log sink.
// Supported formats: "json" and "text"; an empty format falls back to
// role's default, and an unrecognized one falls back to "json".
// Supported levels: "debug", "info" (default), "warn", "error".
// If filePath is non-empty, logs are written to stdout + file (MultiWriter).
// Returns the logger and an io.Closer that must be called on shutdown to
// close the file. If filePath is empty, the returned Closer is a no-op.
func NewLogger(role Role, level, format, filePath string) (*slog.Logger, io.Closer) {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			// A capture harness losing its log file still has its archive
			// output to fall back on, so this stays a warning rather than a
			// fatal error even for RoleCapture.
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	if format == "" {
		format = role.defaultFormat()
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With("role", string(role)), closer
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
