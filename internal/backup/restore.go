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
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minefleet/minefleet/internal/logging"
	"github.com/minefleet/minefleet/internal/models"
)

// Restore replaces a server directory with the contents of a backup archive.
// The caller guarantees the server is stopped. The current directory is
// renamed aside before extraction; on failure it is moved back, so a failed
// restore never leaves the server without its directory.
func (m *Manager) Restore(ctx context.Context, backupID string) error {
	b, err := m.db.GetBackup(ctx, backupID)
	if err != nil {
		return err
	}
	if b.Status != models.BackupStatusCompleted {
		return fmt.Errorf("backup %s is %s, only completed backups restore", backupID, b.Status)
	}
	if _, err := os.Stat(b.FilePath); err != nil {
		return fmt.Errorf("%w: %s", ErrArchiveMissing, b.FilePath)
	}

	srv, err := m.db.GetServer(ctx, b.ServerID)
	if err != nil {
		return err
	}

	aside := fmt.Sprintf("%s.pre-restore-%s", srv.DirectoryPath, time.Now().UTC().Format("20060102-150405"))
	if err := os.Rename(srv.DirectoryPath, aside); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("set aside server directory: %w", err)
		}
		aside = ""
	}

	if err := extractArchive(ctx, b.FilePath, srv.DirectoryPath); err != nil {
		os.RemoveAll(srv.DirectoryPath) //nolint:errcheck // rollback
		if aside != "" {
			if rerr := os.Rename(aside, srv.DirectoryPath); rerr != nil {
				logging.Error().Err(rerr).Str("server_id", srv.ID).
					Str("aside", aside).Msg("rollback rename failed, server directory left aside")
			}
		}
		return fmt.Errorf("restore %s: %w", backupID, err)
	}

	if aside != "" {
		if err := os.RemoveAll(aside); err != nil {
			logging.Warn().Err(err).Str("aside", aside).Msg("could not remove pre-restore copy")
		}
	}
	logging.Info().Str("server_id", srv.ID).Str("backup_id", backupID).Msg("backup restored")
	return nil
}

// extractArchive unpacks a tar.gz into destDir, rejecting entries that would
// escape it.
func extractArchive(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close() //nolint:errcheck // read handle

	gzReader, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gzReader.Close() //nolint:errcheck // read handle

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	tarReader := tar.NewReader(gzReader)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive entry: %w", err)
		}
		dest, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, header.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("extract dir %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := extractFile(tarReader, dest, header); err != nil {
				return err
			}
		case tar.TypeSymlink:
			os.Remove(dest) //nolint:errcheck // replace stale link
			if err := os.Symlink(header.Linkname, dest); err != nil {
				return fmt.Errorf("extract symlink %s: %w", header.Name, err)
			}
		default:
			logging.Trace().Str("entry", header.Name).Msg("skipping unsupported archive entry type")
		}
	}
}

func extractFile(r io.Reader, dest string, header *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("extract %s: %w", header.Name, err)
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, header.FileInfo().Mode().Perm())
	if err != nil {
		return fmt.Errorf("extract %s: %w", header.Name, err)
	}
	if _, err := io.Copy(out, r); err != nil { //nolint:gosec // G110: archives are our own
		out.Close() //nolint:errcheck // error path
		return fmt.Errorf("extract %s: %w", header.Name, err)
	}
	return out.Close()
}

// safeJoin joins an archive entry name under destDir and rejects traversal.
func safeJoin(destDir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || cleaned == ".." {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return filepath.Join(destDir, cleaned), nil
}
