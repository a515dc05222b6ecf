//go:build linux

// Package rtsched requests elevated real-time scheduling for the
// capture/render device callbacks (spec.md §4.1). Failure is logged
// once and never escalated: the audio path must keep running at
// whatever priority the OS grants it.
package rtsched

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// DefaultPriority is a conservative SCHED_FIFO priority, well below the
// range typically reserved for kernel housekeeping threads.
const DefaultPriority = 10

var warnedOnce bool

// RequestRealtime attempts to switch the calling OS thread to SCHED_FIFO
// at priority. Must be called from the goroutine that will do the
// audio I/O after locking it to its OS thread with runtime.LockOSThread.
// Returns true if the request succeeded.
func RequestRealtime(logger *slog.Logger, priority int) bool {
	err := unix.Sched_setscheduler(0, unix.SCHED_FIFO, &unix.SchedParam{Priority: int32(priority)})
	if err != nil {
		if !warnedOnce {
			warnedOnce = true
			if logger != nil {
				logger.Warn("could not acquire real-time scheduling, continuing at default priority",
					slog.String("component", "rtsched"), slog.Any("error", err))
			}
		}
		return false
	}
	return true
}
