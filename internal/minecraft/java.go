// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

// Package minecraft holds the game-specific knowledge: which Java a given
// Minecraft version needs, how the launch command line is composed, the
// server.properties / eula.txt file formats, and game port allocation.
package minecraft

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/minefleet/minefleet/internal/config"
	"github.com/minefleet/minefleet/internal/logging"
)

// ErrJavaNotFound is returned when no installed Java satisfies the required
// major version.
var ErrJavaNotFound = errors.New("no suitable java installation found")

// RequiredJavaMajor maps a Minecraft version to the minimum Java major it
// needs: 1.16 and below run on 8, 1.17 through 1.20.4 need 17, and 1.20.5
// onward needs 21. Unparseable versions assume the newest requirement.
func RequiredJavaMajor(mcVersion string) int {
	major, minor, patch, ok := parseMCVersion(mcVersion)
	if !ok || major != 1 {
		return 21
	}
	switch {
	case minor <= 16:
		return 8
	case minor < 20 || (minor == 20 && patch <= 4):
		return 17
	default:
		return 21
	}
}

// parseMCVersion splits "1.20.4" into (1, 20, 4). Snapshot and pre-release
// suffixes ("1.21.1-pre2") are tolerated by trimming at the first non-numeric
// segment separator.
func parseMCVersion(v string) (major, minor, patch int, ok bool) {
	if i := strings.IndexAny(v, "-+ "); i >= 0 {
		v = v[:i]
	}
	parts := strings.Split(v, ".")
	if len(parts) < 2 {
		return 0, 0, 0, false
	}
	var err error
	if major, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, 0, false
	}
	if minor, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, 0, false
	}
	if len(parts) > 2 {
		if patch, err = strconv.Atoi(parts[2]); err != nil {
			return 0, 0, 0, false
		}
	}
	return major, minor, patch, true
}

// versionProbe reports the Java major version of a binary, or an error when
// it is not a working Java. Injected so tests run without a JVM.
type versionProbe func(ctx context.Context, binary string) (int, error)

// JavaResolver locates a Java binary satisfying a Minecraft version's
// requirement. Resolution order: explicit configured paths, then discovery
// directories, then whatever `java` is on PATH. Results are cached per major.
type JavaResolver struct {
	cfg   config.JavaConfig
	probe versionProbe
	cache map[int]string
}

// NewJavaResolver creates a resolver over the configured Java locations.
func NewJavaResolver(cfg config.JavaConfig) *JavaResolver {
	return &JavaResolver{cfg: cfg, probe: probeJavaVersion, cache: make(map[int]string)}
}

// Resolve returns the path of a Java binary whose major version is at least
// what mcVersion requires.
func (r *JavaResolver) Resolve(ctx context.Context, mcVersion string) (string, error) {
	required := RequiredJavaMajor(mcVersion)
	if path, ok := r.cache[required]; ok {
		return path, nil
	}

	for _, cand := range r.candidates() {
		major, err := r.probe(ctx, cand)
		if err != nil {
			logging.Trace().Str("binary", cand).Err(err).Msg("java candidate rejected")
			continue
		}
		if major >= required {
			logging.Debug().Str("binary", cand).Int("major", major).
				Int("required", required).Str("mc_version", mcVersion).
				Msg("resolved java binary")
			r.cache[required] = cand
			return cand, nil
		}
	}
	return "", fmt.Errorf("%w: minecraft %s needs java %d+", ErrJavaNotFound, mcVersion, required)
}

// candidates lists binaries to probe, in priority order, deduplicated.
func (r *JavaResolver) candidates() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	// Newest explicit paths first so one probe pass can satisfy any
	// requirement level.
	add(r.cfg.Java21Path)
	add(r.cfg.Java17Path)
	add(r.cfg.Java16Path)
	add(r.cfg.Java8Path)
	for _, dir := range r.cfg.DiscoveryPaths {
		add(filepath.Join(dir, "bin", "java"))
		add(filepath.Join(dir, "java"))
	}
	add("java") // PATH fallback
	return out
}

// javaVersionRe matches the quoted version in `java -version` output, which
// goes to stderr: `openjdk version "21.0.2"` or `java version "1.8.0_392"`.
var javaVersionRe = regexp.MustCompile(`version "([0-9._]+)`)

// probeJavaVersion runs `<binary> -version` and parses the major version.
// Pre-9 versions report as 1.x; the major is then x.
func probeJavaVersion(ctx context.Context, binary string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, "-version")
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("probe %s: %w", binary, err)
	}
	return ParseJavaMajor(out.String())
}

// ParseJavaMajor extracts the Java major version from `java -version` output.
func ParseJavaMajor(output string) (int, error) {
	m := javaVersionRe.FindStringSubmatch(output)
	if m == nil {
		return 0, fmt.Errorf("no version string in java output")
	}
	fields := strings.FieldsFunc(m[1], func(r rune) bool { return r == '.' || r == '_' })
	if len(fields) == 0 {
		return 0, fmt.Errorf("malformed java version %q", m[1])
	}
	major, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("malformed java version %q", m[1])
	}
	if major == 1 && len(fields) > 1 {
		// Legacy scheme: 1.8.0_392 is Java 8.
		if major, err = strconv.Atoi(fields[1]); err != nil {
			return 0, fmt.Errorf("malformed java version %q", m[1])
		}
	}
	return major, nil
}
