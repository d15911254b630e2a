// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/minefleet/minefleet/internal/logging"
	"github.com/minefleet/minefleet/internal/supervisor"
)

// APIResponse is the envelope every JSON endpoint returns.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	// Timestamp is the server-side response time.
	Timestamp time.Time `json:"timestamp"`
}

// APIError carries a machine-readable code alongside the human message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, resp *APIResponse) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(resp)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("failed to write JSON response")
	}
}

func respondData(w http.ResponseWriter, status int, data interface{}) {
	respondJSON(w, status, &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	if err != nil {
		logging.Error().Str("code", code).Err(err).Msg("api error")
	}
	respondJSON(w, status, &APIResponse{
		Success:   false,
		Error:     &APIError{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	})
}

// respondOpError maps supervisor failure kinds onto HTTP statuses.
func respondOpError(w http.ResponseWriter, err error) {
	kind := supervisor.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case supervisor.KindNotFound:
		status = http.StatusNotFound
	case supervisor.KindValidation:
		status = http.StatusBadRequest
	case supervisor.KindConflict,
		supervisor.KindIllegalTransition,
		supervisor.KindPidFileConflict,
		supervisor.KindPortInUse:
		status = http.StatusConflict
	case supervisor.KindRconUnavailable:
		status = http.StatusServiceUnavailable
	case supervisor.KindTimeout:
		status = http.StatusGatewayTimeout
	case supervisor.KindLaunchFailed:
		status = http.StatusBadGateway
	}
	respondError(w, status, string(kind), err.Error(), err)
}
