// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDFileName is the pid file name inside a server directory.
const PIDFileName = "server.pid"

// PIDFilePath returns the pid file path for a server directory.
func PIDFilePath(serverDir string) string {
	return filepath.Join(serverDir, PIDFileName)
}

// WritePIDFile writes the pid atomically: the value goes to a temp file in
// the same directory which is then renamed over the target, so a concurrent
// reader never sees a partial pid.
func WritePIDFile(path string, pid int) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("failed to rename pid file into place: %w", err)
	}
	return nil
}

// ReadPIDFile reads and parses a pid file. Returns os.ErrNotExist wrapped
// when the file is missing.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pid file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s: non-positive pid %d", path, pid)
	}
	return pid, nil
}

// RemovePIDFile deletes a pid file, tolerating absence.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pid file %s: %w", path, err)
	}
	return nil
}
