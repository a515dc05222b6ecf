//go:build !linux

package rtsched

import "log/slog"

// DefaultPriority is unused outside Linux but kept so callers don't need
// a build-tagged constant reference.
const DefaultPriority = 10

var warnedOnce bool

// RequestRealtime is a no-op on platforms without SCHED_FIFO support
// exposed the way Linux does; it logs once and reports failure so
// callers fall back to default scheduling, per spec.md §4.1.
func RequestRealtime(logger *slog.Logger, priority int) bool {
	if !warnedOnce {
		warnedOnce = true
		if logger != nil {
			logger.Warn("real-time scheduling not supported on this platform, continuing at default priority",
				slog.String("component", "rtsched"))
		}
	}
	return false
}
