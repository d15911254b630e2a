// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/minefleet/minefleet/internal/config"
	"github.com/minefleet/minefleet/internal/logging"
)

// Server runs the HTTP listener as a suture.Service.
type Server struct {
	cfg     *config.HTTPConfig
	handler http.Handler
}

// NewServer wraps the routing tree for supervised serving.
func NewServer(cfg *config.HTTPConfig, handler http.Handler) *Server {
	return &Server{cfg: cfg, handler: handler}
}

func (s *Server) String() string { return "http-server" }

// Serve listens until the context is canceled, then shuts down gracefully.
// Websocket connections are long-lived, so shutdown is bounded rather than
// waiting for every stream to finish.
func (s *Server) Serve(ctx context.Context) error {
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       timeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close() //nolint:errcheck // force-close stragglers
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
