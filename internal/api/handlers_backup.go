// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/minefleet/minefleet/internal/database"
	"github.com/minefleet/minefleet/internal/models"
	"github.com/minefleet/minefleet/internal/supervisor"
)

// CreateBackup handles POST /api/v1/servers/{id}/backups (manual backup).
func (h *Handler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	srv, err := h.sup.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondOpError(w, err)
		return
	}
	b, err := h.backups.Create(r.Context(), srv, models.BackupManual)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "backup_failed", err.Error(), err)
		return
	}
	respondData(w, http.StatusCreated, b)
}

// ListBackups handles GET /api/v1/servers/{id}/backups.
func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	srv, err := h.sup.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondOpError(w, err)
		return
	}
	backups, err := h.db.ListBackups(r.Context(), srv.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error(), err)
		return
	}
	respondData(w, http.StatusOK, backups)
}

// RestoreBackup handles POST /api/v1/servers/{id}/backups/{backupID}/restore.
// The server must not have a live process; restoring under a running JVM
// would race the world writes.
func (h *Handler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "id")
	snap, err := h.sup.Status(serverID)
	if err != nil {
		respondOpError(w, err)
		return
	}
	if snap.Status != models.StatusStopped && snap.Status != models.StatusCrashed {
		respondError(w, http.StatusConflict, string(supervisor.KindIllegalTransition),
			"server must be stopped before restore", nil)
		return
	}

	backupID := chi.URLParam(r, "backupID")
	b, err := h.db.GetBackup(r.Context(), backupID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if b.ServerID != serverID {
		respondError(w, http.StatusNotFound, string(supervisor.KindNotFound),
			"backup does not belong to this server", nil)
		return
	}
	if err := h.backups.Restore(r.Context(), backupID); err != nil {
		respondError(w, http.StatusInternalServerError, "restore_failed", err.Error(), err)
		return
	}
	respondData(w, http.StatusOK, nil)
}

type scheduleRequest struct {
	IntervalHours   int  `json:"interval_hours" validate:"required,min=1,max=168"`
	MaxBackups      int  `json:"max_backups" validate:"required,min=1,max=30"`
	Enabled         bool `json:"enabled"`
	OnlyWhenRunning bool `json:"only_when_running"`
}

// PutSchedule handles PUT /api/v1/servers/{id}/schedule, creating or
// replacing the server's backup schedule. The write appends an audit entry
// and refreshes the scheduler cache.
func (h *Handler) PutSchedule(w http.ResponseWriter, r *http.Request) {
	srv, err := h.sup.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondOpError(w, err)
		return
	}

	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON", err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, string(supervisor.KindValidation), err.Error(), nil)
		return
	}

	sched := &models.BackupSchedule{
		ServerID:        srv.ID,
		IntervalHours:   req.IntervalHours,
		MaxBackups:      req.MaxBackups,
		Enabled:         req.Enabled,
		OnlyWhenRunning: req.OnlyWhenRunning,
	}
	if err := h.db.UpsertSchedule(r.Context(), sched, actor(r)); err != nil {
		respondStoreError(w, err)
		return
	}
	if h.sched != nil {
		h.sched.Invalidate(r.Context(), srv.ID)
	}
	respondData(w, http.StatusOK, sched)
}

// GetSchedule handles GET /api/v1/servers/{id}/schedule.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	srv, err := h.sup.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondOpError(w, err)
		return
	}
	sched, err := h.db.GetSchedule(r.Context(), srv.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondData(w, http.StatusOK, sched)
}

// DeleteSchedule handles DELETE /api/v1/servers/{id}/schedule.
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	srv, err := h.sup.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondOpError(w, err)
		return
	}
	if err := h.db.DeleteSchedule(r.Context(), srv.ID, actor(r)); err != nil {
		respondStoreError(w, err)
		return
	}
	if h.sched != nil {
		h.sched.Invalidate(r.Context(), srv.ID)
	}
	respondData(w, http.StatusOK, nil)
}

// ScheduleLogs handles GET /api/v1/servers/{id}/schedule/logs?limit=n,
// returning the schedule's audit trail newest-first.
func (h *Handler) ScheduleLogs(w http.ResponseWriter, r *http.Request) {
	srv, err := h.sup.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondOpError(w, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, perr := strconv.Atoi(raw)
		if perr != nil || n < 1 || n > 1000 {
			respondError(w, http.StatusBadRequest, string(supervisor.KindValidation), "limit must be an integer between 1 and 1000", nil)
			return
		}
		limit = n
	}
	logs, err := h.db.ListScheduleLogs(r.Context(), srv.ID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error(), err)
		return
	}
	respondData(w, http.StatusOK, logs)
}

// respondStoreError maps database sentinel errors onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, database.ErrScheduleMissing):
		respondError(w, http.StatusNotFound, string(supervisor.KindNotFound), err.Error(), nil)
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error(), err)
	}
}
