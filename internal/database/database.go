// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

// Package database wraps the DuckDB store holding Minefleet's durable state:
// server rows, backup schedules, the append-only schedule audit log, and
// backup archive metadata.
//
// Sessions are short-lived: every method acquires a connection from the
// database/sql pool for the duration of one operation. Multi-row writes
// (schedule update + audit append, server create + uniqueness checks) run in
// a transaction. Transient failures are retried with capped exponential
// backoff; constraint and not-found failures surface as typed errors.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/minefleet/minefleet/internal/config"
	"github.com/minefleet/minefleet/internal/logging"
	"github.com/minefleet/minefleet/internal/metrics"
)

// Typed store errors. Callers match with errors.Is.
var (
	ErrNotFound        = errors.New("record not found")
	ErrPortInUse       = errors.New("port already in use by another server")
	ErrNameInUse       = errors.New("server name already in use by this owner")
	ErrDirectoryInUse  = errors.New("server directory already in use")
	ErrScheduleMissing = errors.New("backup schedule not found")
)

// retry parameters for transient errors (locked files, I/O hiccups).
const (
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
)

// DB wraps the DuckDB connection pool.
type DB struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig
}

// New opens the database and initializes the schema.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	// Ensure the parent directory exists before DuckDB tries to create the file.
	if dbDir := filepath.Dir(cfg.Path); dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, numThreads, cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn, cfg: cfg}
	if err := db.initSchema(context.Background()); err != nil {
		conn.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("database opened")
	return db, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the pool for health checks.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// schema statements, applied in order. DuckDB has no ON DELETE CASCADE, so
// schedule/backup cascade on server deletion is done transactionally in
// SoftDeleteServer.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS servers (
		id             VARCHAR PRIMARY KEY,
		name           VARCHAR NOT NULL,
		owner_id       VARCHAR NOT NULL,
		version        VARCHAR NOT NULL,
		type           VARCHAR NOT NULL,
		directory_path VARCHAR NOT NULL,
		port           INTEGER NOT NULL,
		memory_min_mb  INTEGER NOT NULL,
		memory_max_mb  INTEGER NOT NULL,
		max_players    INTEGER NOT NULL,
		status         VARCHAR NOT NULL DEFAULT 'stopped',
		deleted        BOOLEAN NOT NULL DEFAULT false,
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS backup_schedules (
		server_id         VARCHAR PRIMARY KEY,
		interval_hours    INTEGER NOT NULL,
		max_backups       INTEGER NOT NULL,
		enabled           BOOLEAN NOT NULL DEFAULT true,
		only_when_running BOOLEAN NOT NULL DEFAULT false,
		last_backup_at    TIMESTAMP,
		next_backup_at    TIMESTAMP,
		created_at        TIMESTAMP NOT NULL,
		updated_at        TIMESTAMP NOT NULL
	)`,
	`CREATE SEQUENCE IF NOT EXISTS backup_schedule_logs_id_seq`,
	`CREATE TABLE IF NOT EXISTS backup_schedule_logs (
		id         BIGINT PRIMARY KEY DEFAULT nextval('backup_schedule_logs_id_seq'),
		server_id  VARCHAR NOT NULL,
		action     VARCHAR NOT NULL,
		reason     VARCHAR,
		actor      VARCHAR,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS backups (
		id         VARCHAR PRIMARY KEY,
		server_id  VARCHAR NOT NULL,
		name       VARCHAR NOT NULL,
		file_path  VARCHAR NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		type       VARCHAR NOT NULL,
		status     VARCHAR NOT NULL,
		error      VARCHAR,
		created_at TIMESTAMP NOT NULL
	)`,
}

// initSchema creates all tables if they do not exist.
func (db *DB) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, committing on nil error.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logging.Warn().Err(rbErr).Msg("transaction rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// withRetry retries fn on transient errors with capped exponential backoff.
// Constraint violations and not-found errors are never retried.
func (db *DB) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := initialBackoff
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isTransientError(err) {
			metrics.DBQueryErrors.WithLabelValues(op).Inc()
			return err
		}
		metrics.DBRetries.Inc()
		logging.Warn().Err(err).Str("operation", op).Int("attempt", attempt+1).
			Msg("transient database error, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	metrics.DBQueryErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries, err)
}

// isUniqueConstraintError checks for a unique/primary key violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "primary key")
}

// isTransientError classifies errors worth retrying. Anything structural
// (constraints, syntax, missing rows) is permanent.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if isUniqueConstraintError(err) || errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"database is locked", "io error", "i/o error", "timeout", "temporarily unavailable", "connection"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// nullTime converts a *time.Time to a driver-friendly value.
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// scanNullTime converts a scanned sql.NullTime back to *time.Time.
func scanNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
