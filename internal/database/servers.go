// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/minefleet/minefleet/internal/models"
)

const serverColumns = `id, name, owner_id, version, type, directory_path, port,
	memory_min_mb, memory_max_mb, max_players, status, deleted, created_at, updated_at`

// CreateServer inserts a server row after checking the uniqueness invariants:
// port unique among non-deleted rows, directory unique, name unique per owner.
// The checks and the insert run in one transaction so a failed create leaves
// no row behind.
func (db *DB) CreateServer(ctx context.Context, server *models.Server) error {
	if server.CreatedAt.IsZero() {
		server.CreatedAt = time.Now().UTC()
	}
	server.UpdatedAt = server.CreatedAt
	if server.Status == "" {
		server.Status = models.StatusStopped
	}

	return db.withRetry(ctx, "create_server", func() error {
		return db.withTx(ctx, func(tx *sql.Tx) error {
			var n int
			row := tx.QueryRowContext(ctx,
				`SELECT count(*) FROM servers WHERE port = ? AND NOT deleted`, server.Port)
			if err := row.Scan(&n); err != nil {
				return fmt.Errorf("port uniqueness check failed: %w", err)
			}
			if n > 0 {
				return ErrPortInUse
			}

			row = tx.QueryRowContext(ctx,
				`SELECT count(*) FROM servers WHERE name = ? AND owner_id = ? AND NOT deleted`,
				server.Name, server.OwnerID)
			if err := row.Scan(&n); err != nil {
				return fmt.Errorf("name uniqueness check failed: %w", err)
			}
			if n > 0 {
				return ErrNameInUse
			}

			row = tx.QueryRowContext(ctx,
				`SELECT count(*) FROM servers WHERE directory_path = ?`, server.DirectoryPath)
			if err := row.Scan(&n); err != nil {
				return fmt.Errorf("directory uniqueness check failed: %w", err)
			}
			if n > 0 {
				return ErrDirectoryInUse
			}

			_, err := tx.ExecContext(ctx, `INSERT INTO servers (`+serverColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				server.ID, server.Name, server.OwnerID, server.Version, string(server.Type),
				server.DirectoryPath, server.Port, server.MemoryMinMB, server.MemoryMaxMB,
				server.MaxPlayers, string(server.Status), server.Deleted,
				server.CreatedAt, server.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert server: %w", err)
			}
			return nil
		})
	})
}

// GetServer retrieves a server by ID, including soft-deleted rows.
func (db *DB) GetServer(ctx context.Context, id string) (*models.Server, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	return scanServer(row)
}

// ListServers returns all non-deleted servers.
func (db *DB) ListServers(ctx context.Context) ([]models.Server, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE NOT deleted ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var servers []models.Server
	for rows.Next() {
		s, err := scanServerRows(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *s)
	}
	return servers, rows.Err()
}

// ListNonStoppedServers returns non-deleted servers whose persisted status is
// not stopped. The reconciler walks these at boot.
func (db *DB) ListNonStoppedServers(ctx context.Context) ([]models.Server, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE NOT deleted AND status <> 'stopped' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list non-stopped servers: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var servers []models.Server
	for rows.Next() {
		s, err := scanServerRows(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *s)
	}
	return servers, rows.Err()
}

// UpdateServerStatus persists the last observed status for a server.
func (db *DB) UpdateServerStatus(ctx context.Context, id string, status models.Status) error {
	return db.withRetry(ctx, "update_server_status", func() error {
		res, err := db.conn.ExecContext(ctx,
			`UPDATE servers SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to update server status: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// PortTaken reports whether port is held by a non-deleted server.
func (db *DB) PortTaken(ctx context.Context, port int) (bool, error) {
	var n int
	row := db.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM servers WHERE port = ? AND NOT deleted`, port)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("port check failed: %w", err)
	}
	return n > 0, nil
}

// SoftDeleteServer marks a server deleted and cascades: the backup schedule
// is removed with a 'deleted' audit entry, all in one transaction. Backup
// archive rows are kept so existing archives stay restorable.
func (db *DB) SoftDeleteServer(ctx context.Context, id, actor string) error {
	return db.withRetry(ctx, "soft_delete_server", func() error {
		return db.withTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				`UPDATE servers SET deleted = true, updated_at = ? WHERE id = ? AND NOT deleted`,
				time.Now().UTC(), id)
			if err != nil {
				return fmt.Errorf("failed to soft-delete server: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return ErrNotFound
			}

			res, err = tx.ExecContext(ctx, `DELETE FROM backup_schedules WHERE server_id = ?`, id)
			if err != nil {
				return fmt.Errorf("failed to cascade schedule delete: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				if err := appendScheduleLogTx(ctx, tx, id, models.ScheduleDeleted, "server deleted", actor); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// scanServer scans a single row.
func scanServer(row *sql.Row) (*models.Server, error) {
	var s models.Server
	var typ, status string
	err := row.Scan(&s.ID, &s.Name, &s.OwnerID, &s.Version, &typ, &s.DirectoryPath,
		&s.Port, &s.MemoryMinMB, &s.MemoryMaxMB, &s.MaxPlayers, &status, &s.Deleted,
		&s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan server: %w", err)
	}
	s.Type = models.ServerType(typ)
	parsed, err := models.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	s.Status = parsed
	return &s, nil
}

// scanServerRows scans the current row of a multi-row cursor.
func scanServerRows(rows *sql.Rows) (*models.Server, error) {
	var s models.Server
	var typ, status string
	err := rows.Scan(&s.ID, &s.Name, &s.OwnerID, &s.Version, &typ, &s.DirectoryPath,
		&s.Port, &s.MemoryMinMB, &s.MemoryMaxMB, &s.MaxPlayers, &status, &s.Deleted,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan server row: %w", err)
	}
	s.Type = models.ServerType(typ)
	parsed, err := models.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	s.Status = parsed
	return &s, nil
}
