// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package minecraft

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/minefleet/minefleet/internal/models"
)

// ServerJarName is the JAR file name inside every server directory.
const ServerJarName = "server.jar"

// Default heap bounds applied when a server record leaves memory unset.
const (
	defaultMemoryMinMB = 1024
	defaultMemoryMaxMB = 2048
)

// LogRelPath is the server's own log file, relative to its directory.
var LogRelPath = filepath.Join("logs", "latest.log")

// Supervisor-owned stdio capture files inside a server directory. They are
// distinct from logs/latest.log, which the server itself writes and rotates.
const (
	OutFileName = "server_output.log"
	ErrFileName = "server_error.log"
)

// BuildArgs composes the JVM argument vector for a server:
//
//	-Xms<min>M -Xmx<max>M -jar server.jar nogui
func BuildArgs(srv *models.Server) []string {
	minMB, maxMB := srv.MemoryMinMB, srv.MemoryMaxMB
	if minMB <= 0 {
		minMB = defaultMemoryMinMB
	}
	if maxMB <= 0 {
		maxMB = defaultMemoryMaxMB
	}
	if maxMB < minMB {
		maxMB = minMB
	}
	return []string{
		fmt.Sprintf("-Xms%dM", minMB),
		fmt.Sprintf("-Xmx%dM", maxMB),
		"-jar", ServerJarName,
		"nogui",
	}
}

// LogPath returns the absolute path of a server's latest.log.
func LogPath(serverDir string) string { return filepath.Join(serverDir, LogRelPath) }

// RotateStaleLog moves a leftover logs/latest.log aside before a fresh
// launch, so log tailing and startup detection never replay the previous
// run. The server would rotate it itself at boot, but doing it before the
// process exists removes the race between the first write and the tailer's
// first read.
func RotateStaleLog(serverDir string) error {
	path := LogPath(serverDir)
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil
	}
	aside := filepath.Join(filepath.Dir(path),
		fmt.Sprintf("stale-%s.log", time.Now().UTC().Format("20060102-150405.000")))
	if err := os.Rename(path, aside); err != nil {
		return fmt.Errorf("rotate stale log: %w", err)
	}
	return nil
}

// OutPath returns the absolute path of a server's stdout capture file.
func OutPath(serverDir string) string { return filepath.Join(serverDir, OutFileName) }

// ErrPath returns the absolute path of a server's stderr capture file.
func ErrPath(serverDir string) string { return filepath.Join(serverDir, ErrFileName) }

// JarProvider places the server JAR for a given distribution and version
// into a server directory.
type JarProvider interface {
	// Provide ensures <serverDir>/server.jar exists for the given type and
	// version, returning its absolute path.
	Provide(ctx context.Context, serverType models.ServerType, version, serverDir string) (string, error)
}

// CacheJarProvider serves JARs from a local cache directory laid out as
// <cacheDir>/<type>-<version>.jar. Obtaining the JAR in the first place
// (download, build) is outside the supervisor; operators or a provisioning
// pipeline populate the cache.
type CacheJarProvider struct {
	cacheDir string
}

// NewCacheJarProvider creates a provider over cacheDir.
func NewCacheJarProvider(cacheDir string) *CacheJarProvider {
	return &CacheJarProvider{cacheDir: cacheDir}
}

// Provide copies the cached JAR into the server directory. An already
// present server.jar is left untouched, but only when the requested
// type/version actually exists in the cache; otherwise the request is
// rejected rather than silently served by whatever jar happens to be there.
func (p *CacheJarProvider) Provide(_ context.Context, serverType models.ServerType, version, serverDir string) (string, error) {
	dest := filepath.Join(serverDir, ServerJarName)
	src := filepath.Join(p.cacheDir, fmt.Sprintf("%s-%s.jar", serverType, version))

	if _, err := os.Stat(dest); err == nil {
		if _, serr := os.Stat(src); serr != nil {
			return "", fmt.Errorf("server jar for %s %s not in cache: %w", serverType, version, serr)
		}
		return dest, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("server jar for %s %s not in cache: %w", serverType, version, err)
	}
	defer in.Close() //nolint:errcheck // read handle

	tmp := dest + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("stage server jar: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()    //nolint:errcheck // error path
		os.Remove(tmp) //nolint:errcheck // error path
		return "", fmt.Errorf("copy server jar: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck // error path
		return "", fmt.Errorf("flush server jar: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp) //nolint:errcheck // error path
		return "", fmt.Errorf("place server jar: %w", err)
	}
	return dest, nil
}
