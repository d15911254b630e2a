// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// archiveExcluded reports whether a file (by base name) stays out of the
// archive: the pid file is live process state, .tmp files are half-written,
// and launch spec files are transient.
func archiveExcluded(name string) bool {
	if name == "server.pid" {
		return true
	}
	if strings.HasSuffix(name, ".tmp") {
		return true
	}
	return strings.HasPrefix(name, "launch-") && strings.HasSuffix(name, ".json")
}

// archiveWriters stacks file -> gzip -> tar; Close unwinds in reverse order
// and returns the first error.
type archiveWriters struct {
	tarWriter *tar.Writer
	closers   []io.Closer
}

func (aw *archiveWriters) Close() error {
	var firstErr error
	for i := len(aw.closers) - 1; i >= 0; i-- {
		if err := aw.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func setupArchiveWriters(destPath string) (*archiveWriters, error) {
	outFile, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create archive file: %w", err)
	}
	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)
	return &archiveWriters{
		tarWriter: tarWriter,
		closers:   []io.Closer{outFile, gzWriter, tarWriter},
	}, nil
}

// createArchive tars and compresses srcDir into destPath, returning the
// archive size. Entry names are relative to srcDir.
func createArchive(ctx context.Context, srcDir, destPath string) (int64, error) {
	aw, err := setupArchiveWriters(destPath)
	if err != nil {
		return 0, err
	}

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if archiveExcluded(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		// Regular files and directories only; sockets and pipes from mods
		// are not archivable, symlinks are stored as links.
		switch {
		case info.Mode().IsDir(), info.Mode().IsRegular(), info.Mode()&fs.ModeSymlink != 0:
		default:
			return nil
		}

		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := aw.tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write header %s: %w", rel, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(aw.tarWriter, f)
		f.Close() //nolint:errcheck // read handle
		if err != nil {
			return fmt.Errorf("archive %s: %w", rel, err)
		}
		return nil
	})

	closeErr := aw.Close()
	if walkErr != nil {
		return 0, walkErr
	}
	if closeErr != nil {
		return 0, fmt.Errorf("finalize archive: %w", closeErr)
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}
	return info.Size(), nil
}
