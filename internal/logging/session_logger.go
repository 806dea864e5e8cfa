package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches every record to two
// handlers. NewSessionLogger uses it to write simultaneously to the global
// handler and a per-session log file, so a single
// trace's diagnostics can be pulled without grepping the whole host log.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Check each handler's Enabled() independently before dispatching, so a
	// DEBUG record isn't sent to the primary handler when it only accepts
	// INFO or above.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure against the session file must never suppress the
	// global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// sessionLogSuffix is the extension given to an in-progress session's log
// file. FinalizeSessionLog renames it away once the session's outcome is
// known, so a directory listing never shows a live path next to an already
// finalized one for the same session id.
const sessionLogSuffix = ".inprogress.log"

// NewSessionLogger builds a logger that writes both to the base (global)
// logger and to a file dedicated to one capture/replay session. The file is
// created at:
//
//	{sessionLogDir}/{component}/{sessionID}.inprogress.log
//
// Returns the enriched logger, an io.Closer for the session file, and the
// file's path (sessionLogDir joined with the component and file name). The
// Closer MUST be called when the session ends; FinalizeSessionLog is then
// called after it, once the file is closed, to retitle or remove the file.
//
// If sessionLogDir is empty, the base logger is returned unmodified
// (no-op), since not every deployment wants a per-trace log file on disk.
func NewSessionLogger(baseLogger *slog.Logger, sessionLogDir, component, sessionID string) (*slog.Logger, io.Closer, string, error) {
	if sessionLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(sessionLogDir, component)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating session log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, sessionID+sessionLogSuffix)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening session log file %s: %w", logPath, err)
	}

	// The session file always uses JSON at DEBUG level, for maximum capture
	// when a trace needs post-mortem triage.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	// Fan out to the base logger's handler plus the file handler.
	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined).With("session", sessionID), f, logPath, nil
}

// FinalizeSessionLog retitles a session's log file once its capture or
// replay run has ended, reflecting whether diag.Sink ever reported a fatal
// condition during the run. A session that completed cleanly is deleted —
// once its archive is written, the per-session log is pure duplication of
// the global log. A session that hit a fatal diagnostic is the one an
// operator will actually want to open later, so its file is kept and
// renamed to "{sessionID}.failed.log": a plain `ls` on sessionLogDir then
// tells healthy sessions from ones needing triage without opening any of
// them.
//
// No-op if sessionLogDir is empty or the in-progress file no longer
// exists (e.g. NewSessionLogger was never called for this session).
func FinalizeSessionLog(sessionLogDir, component, sessionID string, failed bool) error {
	if sessionLogDir == "" {
		return nil
	}
	dir := filepath.Join(sessionLogDir, component)
	inProgress := filepath.Join(dir, sessionID+sessionLogSuffix)

	if !failed {
		if err := os.Remove(inProgress); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing completed session log %s: %w", inProgress, err)
		}
		return nil
	}

	failedPath := filepath.Join(dir, sessionID+".failed.log")
	if err := os.Rename(inProgress, failedPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("retaining failed session log %s: %w", inProgress, err)
	}
	return nil
}
