// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package logpump

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestDetectDone(t *testing.T) {
	tests := []struct {
		name string
		line string
		want bool
	}{
		{"vanilla", `[12:34:56] [Server thread/INFO]: Done (4.321s)! For help, type "help"`, true},
		{"paper", `[12:34:56 INFO]: Done (2.107s)! For help, type "help"`, true},
		{"bare", `Done (0.5s)!`, true},
		{"whole seconds", `Done (17s)!`, true},
		{"chat echo", `[12:34:56] [Server thread/INFO]: <steve> Done (talking)`, false},
		{"missing bang", `Done (4.321s)`, false},
		{"not seconds", `Done (4 ticks)!`, false},
		{"no duration", `Done (s)!`, false},
		{"two dots", `Done (1.2.3s)!`, false},
		{"dot only", `Done (.s)!`, false},
		{"preparing", `[12:34:56] [Worker-Main-1/INFO]: Preparing spawn area: 85%`, false},
		{"empty", ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectDone(tt.line); got != tt.want {
				t.Errorf("DetectDone(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

// lineCollector is a thread-safe test sink.
type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) sink(line string, _ time.Time) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
}

func (c *lineCollector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func (c *lineCollector) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines, have %v", n, c.snapshot())
	return nil
}

func startPump(t *testing.T, path string, opts Options) (*Pump, *lineCollector) {
	t.Helper()
	col := &lineCollector{}
	p := New("srv-test", path, col.sink, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx) //nolint:errcheck // canceled at cleanup
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p, col
}

func TestPumpTailsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")
	if err := os.WriteFile(path, []byte("first\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, col := startPump(t, path, Options{PollInterval: 20 * time.Millisecond})
	col.waitFor(t, 1)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("second\r\nthird\n"); err != nil {
		t.Fatal(err)
	}
	f.Close() //nolint:errcheck // test file

	got := col.waitFor(t, 3)
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("line %d = %q, want %q", i, got[i], w)
		}
	}
}

func TestPumpWaitsForFileToAppear(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")

	_, col := startPump(t, path, Options{PollInterval: 20 * time.Millisecond})

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("late arrival\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got := col.waitFor(t, 1)
	if got[0] != "late arrival" {
		t.Errorf("line = %q", got[0])
	}
}

func TestPumpReopensAfterRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")
	if err := os.WriteFile(path, []byte("old one\nold two\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, col := startPump(t, path, Options{PollInterval: 20 * time.Millisecond})
	col.waitFor(t, 2)

	// Rotate the Minecraft way: rename aside, create a fresh file.
	if err := os.Rename(path, filepath.Join(dir, "2026-08-24-1.log")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("fresh\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := col.waitFor(t, 3)
	if got[2] != "fresh" {
		t.Errorf("post-rotation line = %q, want %q", got[2], "fresh")
	}
}

func TestPumpReopensAfterTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")
	if err := os.WriteFile(path, []byte("before truncate, quite a long line\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, col := startPump(t, path, Options{PollInterval: 20 * time.Millisecond})
	col.waitFor(t, 1)

	if err := os.WriteFile(path, []byte("tiny\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got := col.waitFor(t, 2)
	if got[1] != "tiny" {
		t.Errorf("post-truncation line = %q, want %q", got[1], "tiny")
	}
}

func TestPumpSeekEndSkipsHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")
	if err := os.WriteFile(path, []byte("history one\nhistory two\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, col := startPump(t, path, Options{SeekEnd: true, PollInterval: 20 * time.Millisecond})

	// Give the pump a moment to open and position at EOF.
	time.Sleep(150 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("new line\n"); err != nil {
		t.Fatal(err)
	}
	f.Close() //nolint:errcheck // test file

	got := col.waitFor(t, 1)
	if got[0] != "new line" {
		t.Errorf("line = %q, want %q (history must be skipped)", got[0], "new line")
	}
}

func TestDetectorFiresOnce(t *testing.T) {
	d := NewDetector()
	if d.Fired() {
		t.Fatal("detector must not fire before the marker")
	}
	d.Observe("Preparing level")
	if d.Fired() {
		t.Fatal("non-marker line must not fire")
	}
	d.Observe(`[10:00:00] [Server thread/INFO]: Done (3.2s)! For help, type "help"`)
	if !d.Fired() {
		t.Fatal("marker line must fire")
	}
	// Second observation is a no-op.
	d.Observe(`Done (1.0s)!`)
	select {
	case <-d.Done():
	default:
		t.Fatal("Done channel must be closed")
	}
}

func TestTailFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server_error.log")

	if got := TailFile(path, 5); got != nil {
		t.Errorf("missing file tail = %v, want nil", got)
	}

	if err := os.WriteFile(path, []byte("a\nb\r\n\nc\nd\ne\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got := TailFile(path, 3)
	want := []string{"c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("tail = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tail[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
