// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package logpump

import (
	"os"
	"strings"
)

// DetectDone reports whether a log line is the vanilla/Paper/Spigot startup
// marker, e.g.:
//
//	[12:34:56] [Server thread/INFO]: Done (4.321s)! For help, type "help"
//
// Both the bracketed `] Done (` form and the bare `Done (...s)!` form match.
func DetectDone(line string) bool {
	idx := strings.Index(line, "Done (")
	if idx < 0 {
		return false
	}
	rest := line[idx+len("Done ("):]
	end := strings.Index(rest, ")")
	if end < 0 {
		return false
	}
	num, ok := strings.CutSuffix(rest[:end], "s")
	if !ok || !durationSeconds(num) {
		return false
	}
	return strings.HasPrefix(rest[end:], ")!")
}

// durationSeconds accepts the marker's duration spelling: digits with at most
// one decimal point, e.g. "4.321" or "17".
func durationSeconds(s string) bool {
	if s == "" {
		return false
	}
	dots := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.':
			dots++
			if dots > 1 {
				return false
			}
		default:
			return false
		}
	}
	return s != "."
}

// TailFile returns up to n trailing lines of a file. Used to capture the
// stderr tail for crash reasons. Missing files yield an empty slice.
func TailFile(path string, n int) []string {
	if n <= 0 {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimRight(l, "\r"); l != "" {
			out = append(out, l)
		}
	}
	return out
}
