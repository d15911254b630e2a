// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package rcon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/minefleet/minefleet/internal/logging"
	"github.com/minefleet/minefleet/internal/metrics"
)

// ErrUnavailable is returned when the breaker is open or the endpoint cannot
// be reached. Callers treat it as "server not reachable over RCON right now"
// rather than a command failure.
var ErrUnavailable = errors.New("rcon unavailable")

// Config configures a Session.
type Config struct {
	Addr           string
	Password       string
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
}

// Session is a lazily-connected, self-healing RCON endpoint for one server.
// Commands are serialized; a broken connection is dropped and redialed on the
// next call. A circuit breaker stops redial storms against a server that is
// down, and a rate limiter spaces out dials against one that is still
// booting.
type Session struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker[string]
	dialGap *rate.Limiter

	mu     sync.Mutex
	client *Client
	closed bool
}

// NewSession creates a Session. No connection is made until the first Exec.
func NewSession(cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	s := &Session{
		cfg: cfg,
		// At most one dial per second; a booting JVM does not open the
		// RCON port until late in startup.
		dialGap: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	s.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "rcon-" + cfg.Addr,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Debug().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("rcon breaker state change")
		},
	})
	return s
}

// Exec runs one command and returns the server's response.
func (s *Session) Exec(ctx context.Context, command string) (string, error) {
	out, err := s.breaker.Execute(func() (string, error) {
		return s.execOnce(ctx, command)
	})
	if err != nil {
		metrics.RconCalls.WithLabelValues("error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: circuit open for %s", ErrUnavailable, s.cfg.Addr)
		}
		return "", err
	}
	metrics.RconCalls.WithLabelValues("ok").Inc()
	return out, nil
}

func (s *Session) execOnce(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("%w: session closed", ErrUnavailable)
	}

	if s.client == nil {
		if err := s.connectLocked(ctx); err != nil {
			return "", err
		}
	}

	out, err := s.client.Exec(command)
	if err != nil {
		// One transparent retry on a fresh connection covers the common
		// case of the server having closed an idle socket.
		s.dropLocked()
		if cerr := s.connectLocked(ctx); cerr != nil {
			return "", cerr
		}
		if out, err = s.client.Exec(command); err != nil {
			s.dropLocked()
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return out, nil
}

// Ping verifies the endpoint accepts our credentials by connecting if needed
// and running a no-op list command.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Exec(ctx, "list")
	return err
}

// Close drops the connection and rejects further calls.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.dropLocked()
	return nil
}

func (s *Session) connectLocked(ctx context.Context) error {
	if err := s.dialGap.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	client, err := Dial(dialCtx, s.cfg.Addr, s.cfg.Password, s.cfg.CallTimeout)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.client = client
	return nil
}

func (s *Session) dropLocked() {
	if s.client != nil {
		s.client.Close() //nolint:errcheck // discard path
		s.client = nil
	}
}
