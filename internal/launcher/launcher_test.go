// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func TestPIDFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := PIDFilePath(dir)

	if err := WritePIDFile(path, 12345); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != 12345 {
		t.Errorf("pid = %d, want 12345", pid)
	}

	// Atomic write must not leave the temp file behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp pid file left behind after rename")
	}

	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	if err := RemovePIDFile(path); err != nil {
		t.Errorf("RemovePIDFile must tolerate absence: %v", err)
	}
}

func TestReadPIDFileMalformed(t *testing.T) {
	dir := t.TempDir()
	path := PIDFilePath(dir)

	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "not-a-pid\n"},
		{"negative", "-5\n"},
		{"zero", "0\n"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := ReadPIDFile(path); err == nil {
				t.Errorf("expected error for %q", tt.content)
			}
		})
	}
}

func TestReadPIDFileMissing(t *testing.T) {
	if _, err := ReadPIDFile(filepath.Join(t.TempDir(), "server.pid")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected wrapped os.ErrNotExist, got %v", err)
	}
}

func TestLaunchInSession(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		t.Fatal(err)
	}

	l := &Launcher{} // no execPath: forces the session fallback
	spec := Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo started; sleep 30"},
		Dir:     dir,
		LogPath: filepath.Join(dir, "logs", "latest.log"),
		ErrPath: filepath.Join(dir, "server_error.log"),
		PIDFile: PIDFilePath(dir),
	}

	res, err := l.Launch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer func() {
		syscall.Kill(res.PID, syscall.SIGKILL) //nolint:errcheck // test cleanup
	}()

	if res.Strategy != StrategySession {
		t.Errorf("strategy = %s, want session", res.Strategy)
	}
	if !Alive(res.PID) {
		t.Fatal("launched process must be alive")
	}

	pid, err := ReadPIDFile(spec.PIDFile)
	if err != nil {
		t.Fatalf("pid file must exist after launch: %v", err)
	}
	if pid != res.PID {
		t.Errorf("pid file = %d, want %d", pid, res.PID)
	}

	// stdout must reach the log file.
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(spec.LogPath)
		if len(data) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no output reached the log file")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestLaunchFailureLeavesNoPIDFile(t *testing.T) {
	dir := t.TempDir()
	l := &Launcher{}
	spec := Spec{
		Command: filepath.Join(dir, "no-such-binary"),
		Dir:     dir,
		LogPath: filepath.Join(dir, "logs", "latest.log"),
		ErrPath: filepath.Join(dir, "server_error.log"),
		PIDFile: PIDFilePath(dir),
	}

	if _, err := l.Launch(context.Background(), spec); !errors.Is(err, ErrLaunch) {
		t.Fatalf("expected ErrLaunch, got %v", err)
	}
	if _, err := os.Stat(spec.PIDFile); !os.IsNotExist(err) {
		t.Error("failed launch must not leave a pid file")
	}
}

func TestWaitNotAlive(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		t.Fatal(err)
	}
	l := &Launcher{}
	spec := Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 0.2"},
		Dir:     dir,
		LogPath: filepath.Join(dir, "logs", "latest.log"),
		ErrPath: filepath.Join(dir, "server_error.log"),
		PIDFile: PIDFilePath(dir),
	}
	res, err := l.Launch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if !WaitNotAlive(context.Background(), res.PID, 5*time.Second) {
		t.Error("short-lived process must be observed exiting")
	}
}

func TestSessionExitObserved(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		t.Fatal(err)
	}
	l := &Launcher{}
	spec := Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 3"},
		Dir:     dir,
		LogPath: filepath.Join(dir, "logs", "latest.log"),
		ErrPath: filepath.Join(dir, "server_error.log"),
		PIDFile: PIDFilePath(dir),
	}
	res, err := l.Launch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	// A session-strategy child is our child: it must be reaped, observed dead
	// through the process table, and its exit code captured.
	if !WaitNotAlive(context.Background(), res.PID, 5*time.Second) {
		t.Fatal("exited child still reported alive")
	}
	code := -1
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c := TakeExitCode(res.PID); c != -1 {
			code = c
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	// Consumed: a second read has nothing.
	if c := TakeExitCode(res.PID); c != -1 {
		t.Errorf("second read = %d, want -1", c)
	}
}
