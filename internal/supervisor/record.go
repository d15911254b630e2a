// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/minefleet/minefleet/internal/logging"
	"github.com/minefleet/minefleet/internal/logpump"
	"github.com/minefleet/minefleet/internal/metrics"
	"github.com/minefleet/minefleet/internal/models"
	"github.com/minefleet/minefleet/internal/rcon"
)

// logSub is one bounded log subscriber. When its queue is full the oldest
// queued line is dropped so a slow consumer sees recent output, never a
// frozen window into the past. The subscriber owns its channel lifecycle:
// push and close serialize on the subscriber's own mutex, so a consumer
// cancel racing a record-wide teardown can never double-close the channel
// or send on a closed one.
type logSub struct {
	mu     sync.Mutex
	ch     chan models.LogLine
	closed bool
}

func (s *logSub) push(line models.LogLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- line:
		return
	default:
	}
	// Full: drop the oldest, then try once more. A concurrent consumer may
	// have drained in between, both outcomes are fine.
	select {
	case <-s.ch:
		metrics.SubscriberDrops.WithLabelValues("logs").Inc()
	default:
	}
	select {
	case s.ch <- line:
	default:
		metrics.SubscriberDrops.WithLabelValues("logs").Inc()
	}
}

// close closes the subscriber channel exactly once.
func (s *logSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// record is the in-memory live state of one managed server. The database row
// is the durable source of truth for identity; the record is authoritative
// for runtime state while the supervisor runs.
//
// Lock discipline: rec.mu protects every mutable field. Nothing that can
// block (process waits, RCON calls, channel sends to subscribers) happens
// while it is held; subscriber delivery snapshots the subscriber set first.
type record struct {
	serverID string

	// commitMu serializes status commits (persist, metrics, event publish)
	// in the order the transitions were decided under mu. It is acquired
	// while mu is still held and released only after the commit ran.
	commitMu sync.Mutex

	mu        sync.Mutex
	status    models.Status
	pid       int
	startedAt *time.Time
	adopted   bool
	strategy  string
	warning   string

	stopRequested bool

	ring *lineRing
	subs map[*logSub]struct{}

	pump       *logpump.Pump
	pumpCancel context.CancelFunc
	detector   *logpump.Detector

	rconSess *rcon.Session

	// watchDone is closed when the exit watcher for the current process
	// generation returns.
	watchDone chan struct{}
}

func newRecord(serverID string, ringSize int) *record {
	return &record{
		serverID: serverID,
		status:   models.StatusStopped,
		ring:     newLineRing(ringSize),
		subs:     make(map[*logSub]struct{}),
	}
}

// snapshot returns the record's externally visible state.
func (r *record) snapshot() models.StatusSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.StatusSnapshot{
		ServerID:       r.serverID,
		Status:         r.status,
		PID:            r.pid,
		StartedAt:      r.startedAt,
		Adopted:        r.adopted,
		LaunchStrategy: r.strategy,
		Warning:        r.warning,
	}
}

// deliver appends a line to the ring and fans it out to subscribers. The
// subscriber set is copied under the lock; pushes happen outside it.
func (r *record) deliver(line models.LogLine) {
	r.ring.Append(line)

	r.mu.Lock()
	subs := make([]*logSub, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	detector := r.detector
	r.mu.Unlock()

	if detector != nil {
		detector.Observe(line.Line)
	}
	for _, s := range subs {
		s.push(line)
	}
}

// subscribe registers a bounded log subscriber and returns its channel plus
// a cancel function. Cancel closes the channel; calling it more than once,
// or after closeSubscribers already ran, is harmless.
func (r *record) subscribe(queueSize int) (<-chan models.LogLine, func()) {
	sub := &logSub{ch: make(chan models.LogLine, queueSize)}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		delete(r.subs, sub)
		r.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

// closeSubscribers drops every subscriber, closing their channels.
func (r *record) closeSubscribers() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[*logSub]struct{})
	r.mu.Unlock()
	for s := range subs {
		s.close()
	}
}

// stopRuntime tears down the pump and RCON session for the current process
// generation. Safe to call repeatedly.
func (r *record) stopRuntime() {
	r.mu.Lock()
	cancel := r.pumpCancel
	sess := r.rconSess
	r.pumpCancel = nil
	r.pump = nil
	r.detector = nil
	r.rconSess = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		if err := sess.Close(); err != nil {
			logging.Trace().Err(err).Str("server_id", r.serverID).Msg("rcon session close")
		}
	}
}
