// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes builds the full HTTP routing tree.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/servers", func(r chi.Router) {
		r.Use(prometheusMetrics)

		r.Post("/", h.CreateServer)
		r.Get("/", h.ListServers)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetServer)
			r.Delete("/", h.DeleteServer)

			r.Post("/start", h.StartServer)
			r.Post("/stop", h.StopServer)
			r.Post("/restart", h.RestartServer)
			r.Post("/command", h.Command)

			r.Get("/status", h.ServerStatus)
			r.Get("/logs", h.ServerLogs)
			r.Get("/ws", h.ServerWS)

			r.Post("/backups", h.CreateBackup)
			r.Get("/backups", h.ListBackups)
			r.Post("/backups/{backupID}/restore", h.RestoreBackup)

			r.Put("/schedule", h.PutSchedule)
			r.Get("/schedule", h.GetSchedule)
			r.Delete("/schedule", h.DeleteSchedule)
			r.Get("/schedule/logs", h.ScheduleLogs)
		})
	})

	return r
}
