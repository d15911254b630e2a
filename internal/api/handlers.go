// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

// Package api exposes the supervisor over HTTP: server CRUD and lifecycle,
// console commands, log tailing and streaming, backups and backup schedules.
package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/minefleet/minefleet/internal/backup"
	"github.com/minefleet/minefleet/internal/database"
	"github.com/minefleet/minefleet/internal/models"
	"github.com/minefleet/minefleet/internal/scheduler"
	"github.com/minefleet/minefleet/internal/supervisor"
)

// Handler bundles the collaborators every endpoint needs.
type Handler struct {
	sup      *supervisor.Supervisor
	backups  *backup.Manager
	sched    *scheduler.Scheduler
	db       *database.DB
	hub      *Hub
	validate *validator.Validate
}

// NewHandler wires the handler. sched may be nil in tests that do not touch
// schedule endpoints.
func NewHandler(sup *supervisor.Supervisor, backups *backup.Manager, sched *scheduler.Scheduler, db *database.DB, hub *Hub) *Handler {
	return &Handler{
		sup:      sup,
		backups:  backups,
		sched:    sched,
		db:       db,
		hub:      hub,
		validate: validator.New(),
	}
}

// actor extracts the acting identity from the request. There is no account
// system; the header is advisory and lands in audit entries only.
func actor(r *http.Request) string {
	if a := r.Header.Get("X-Minefleet-Actor"); a != "" {
		return a
	}
	return "api"
}

func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close() //nolint:errcheck // drained by decoder
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// CreateServer handles POST /api/v1/servers.
func (h *Handler) CreateServer(w http.ResponseWriter, r *http.Request) {
	var spec models.ServerSpec
	if err := decodeBody(r, &spec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON", err)
		return
	}
	srv, err := h.sup.Create(r.Context(), spec)
	if err != nil {
		respondOpError(w, err)
		return
	}
	respondData(w, http.StatusCreated, srv)
}

// ListServers handles GET /api/v1/servers.
func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.sup.List(r.Context())
	if err != nil {
		respondOpError(w, err)
		return
	}
	respondData(w, http.StatusOK, servers)
}

// GetServer handles GET /api/v1/servers/{id}.
func (h *Handler) GetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := h.sup.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondOpError(w, err)
		return
	}
	respondData(w, http.StatusOK, srv)
}

// DeleteServer handles DELETE /api/v1/servers/{id} (soft delete).
func (h *Handler) DeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := h.sup.Delete(r.Context(), chi.URLParam(r, "id"), actor(r)); err != nil {
		respondOpError(w, err)
		return
	}
	respondData(w, http.StatusOK, nil)
}

// StartServer handles POST /api/v1/servers/{id}/start.
func (h *Handler) StartServer(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sup.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondOpError(w, err)
		return
	}
	respondData(w, http.StatusAccepted, snap)
}

// StopServer handles POST /api/v1/servers/{id}/stop. ?force=true skips the
// graceful RCON/SIGTERM ladder and kills immediately.
func (h *Handler) StopServer(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	snap, err := h.sup.Stop(r.Context(), chi.URLParam(r, "id"), force)
	if err != nil {
		respondOpError(w, err)
		return
	}
	respondData(w, http.StatusOK, snap)
}

// RestartServer handles POST /api/v1/servers/{id}/restart.
func (h *Handler) RestartServer(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sup.Restart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondOpError(w, err)
		return
	}
	respondData(w, http.StatusAccepted, snap)
}

type commandRequest struct {
	Command string `json:"command" validate:"required,min=1,max=256"`
}

type commandResponse struct {
	Output string `json:"output"`
}

// Command handles POST /api/v1/servers/{id}/command, forwarding a console
// command over RCON.
func (h *Handler) Command(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON", err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, string(supervisor.KindValidation), err.Error(), nil)
		return
	}
	out, err := h.sup.Command(r.Context(), chi.URLParam(r, "id"), req.Command)
	if err != nil {
		respondOpError(w, err)
		return
	}
	respondData(w, http.StatusOK, commandResponse{Output: out})
}

// ServerStatus handles GET /api/v1/servers/{id}/status.
func (h *Handler) ServerStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sup.Status(chi.URLParam(r, "id"))
	if err != nil {
		respondOpError(w, err)
		return
	}
	respondData(w, http.StatusOK, snap)
}

// ServerLogs handles GET /api/v1/servers/{id}/logs?tail=n.
func (h *Handler) ServerLogs(w http.ResponseWriter, r *http.Request) {
	tail := 100
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 10000 {
			respondError(w, http.StatusBadRequest, string(supervisor.KindValidation), "tail must be an integer between 1 and 10000", nil)
			return
		}
		tail = n
	}
	lines, err := h.sup.Tail(chi.URLParam(r, "id"), tail)
	if err != nil {
		respondOpError(w, err)
		return
	}
	respondData(w, http.StatusOK, lines)
}

// Healthz handles GET /healthz: a database ping doubles as readiness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Conn().PingContext(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "unhealthy", "database unreachable", err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"status": "ok"})
}
