// Package diag provides the diagnostic sink used by fatal capture/replay
// paths: a structured logger plus a best-effort host resource snapshot taken
// at the moment of the dump.
package diag

import (
	"log/slog"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSnapshot is a best-effort point-in-time view of host memory and CPU
// pressure, attached to fatal diagnostic dumps so a post-mortem can tell
// "ran out of GPU heap" apart from "ran out of host RAM".
type HostSnapshot struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryTotalBytes uint64  `json:"memory_total_bytes"`
}

// Snapshot collects HostSnapshot, logging (but not failing) on partial
// collection errors: a diagnostic dump must never itself crash the program.
func Snapshot(log *slog.Logger) HostSnapshot {
	var snap HostSnapshot

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	} else if log != nil {
		log.Debug("diag: failed to sample cpu", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = v.UsedPercent
		snap.MemoryUsedBytes = v.Used
		snap.MemoryTotalBytes = v.Total
	} else if log != nil {
		log.Debug("diag: failed to sample memory", "error", err)
	}

	return snap
}

// Sink wraps a structured logger with fatal-dump helpers. The replay
// coordinator reports its fatal conditions through it and the capture
// coordinator exposes one to its callers. It also
// latches whether any fatal condition was ever reported, so a session's
// log file can be triaged by name alone once the run has ended (see
// internal/logging.FinalizeSessionLog).
type Sink struct {
	log    *slog.Logger
	failed atomic.Bool
}

// NewSink wraps log, falling back to slog.Default() if log is nil.
func NewSink(log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{log: log}
}

// OutOfMemory logs a fatal allocator exhaustion event with a host snapshot
// and the allocator-provided context (heap count, bytes requested, etc).
func (s *Sink) OutOfMemory(component string, requested uint64, attrs ...any) {
	s.failed.Store(true)
	snap := Snapshot(s.log)
	args := append([]any{
		"component", component,
		"requested_bytes", requested,
		"host_cpu_percent", snap.CPUPercent,
		"host_memory_percent", snap.MemoryPercent,
	}, attrs...)
	s.log.Error("out of memory", args...)
}

// Fatal logs a fatal, non-recoverable protocol or invariant violation
// (truncated archive, corrupt patch stream, self-test failure) together
// with a host snapshot for post-mortem triage.
func (s *Sink) Fatal(component string, err error, attrs ...any) {
	s.failed.Store(true)
	snap := Snapshot(s.log)
	args := append([]any{
		"component", component,
		"error", err,
		"host_cpu_percent", snap.CPUPercent,
		"host_memory_percent", snap.MemoryPercent,
	}, attrs...)
	s.log.Error("fatal error", args...)
}

// Logger exposes the underlying logger for components that want to attach
// their own fields via With.
func (s *Sink) Logger() *slog.Logger { return s.log }

// Failed reports whether Fatal or OutOfMemory has ever been called on this
// sink, i.e. whether the session it's attached to needs post-mortem
// triage.
func (s *Sink) Failed() bool { return s.failed.Load() }
