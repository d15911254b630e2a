// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package logpump

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/minefleet/minefleet/internal/logging"
)

// Detector watches pumped lines for the startup marker. Observe is safe for
// concurrent use; Done is closed at most once.
type Detector struct {
	once sync.Once
	done chan struct{}
}

// NewDetector creates a Detector.
func NewDetector() *Detector {
	return &Detector{done: make(chan struct{})}
}

// Observe feeds one log line through the marker check.
func (d *Detector) Observe(line string) {
	if DetectDone(line) {
		d.once.Do(func() { close(d.done) })
	}
}

// Done is closed when the startup marker has been seen.
func (d *Detector) Done() <-chan struct{} { return d.done }

// Fired reports whether the marker has been seen, without blocking.
func (d *Detector) Fired() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// LogStallDiagnostics logs why a starting server has produced no log output
// yet: whether the log file exists, its size and mode, and the tail of the
// error file. Called by the startup watcher when the log stays silent past
// its checkpoints.
func LogStallDiagnostics(serverID, logPath, errPath string, elapsed time.Duration) {
	ev := logging.Warn().Str("server_id", serverID).Dur("elapsed", elapsed)

	info, err := os.Stat(logPath)
	switch {
	case err != nil:
		ev = ev.Str("log_file", "absent")
	default:
		ev = ev.Int64("log_size", info.Size()).Str("log_mode", info.Mode().String())
	}

	if tail := TailFile(errPath, 10); len(tail) > 0 {
		ev = ev.Str("stderr_tail", strings.Join(tail, " | "))
	}
	ev.Msg("server started but log output is stalled")
}
