// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package supervisor

import (
	"sync"

	"github.com/minefleet/minefleet/internal/models"
)

// lineRing is a fixed-capacity ring of recent log lines. Appends overwrite
// the oldest entry once full.
type lineRing struct {
	mu   sync.Mutex
	buf  []models.LogLine
	next int
	full bool
}

func newLineRing(capacity int) *lineRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &lineRing{buf: make([]models.LogLine, capacity)}
}

func (r *lineRing) Append(line models.LogLine) {
	r.mu.Lock()
	r.buf[r.next] = line
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Tail returns up to n of the most recent lines, oldest first.
func (r *lineRing) Tail(n int) []models.LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]models.LogLine, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Len returns the number of stored lines.
func (r *lineRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
