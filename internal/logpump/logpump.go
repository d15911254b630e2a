// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

// Package logpump tails a Minecraft server's latest.log and delivers complete
// lines to a sink. It combines fsnotify wakeups with a polling fallback, and
// survives the server's own log rotation: when the file shrinks or is
// replaced, the pump reopens it from the start.
package logpump

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/minefleet/minefleet/internal/logging"
	"github.com/minefleet/minefleet/internal/metrics"
)

// Sink receives complete log lines in file order. It must not block; the
// caller is expected to buffer or drop.
type Sink func(line string, at time.Time)

// Options configure a Pump.
type Options struct {
	// SeekEnd starts tailing at the current end of file instead of the
	// beginning. Used when adopting an already-running server, so stale
	// history is not replayed.
	SeekEnd bool
	// PollInterval is the fallback poll period when fsnotify is silent.
	// Defaults to 250ms.
	PollInterval time.Duration
}

// Pump tails one log file. Create with New, drive with Run; Run returns when
// the context is canceled.
type Pump struct {
	serverID string
	path     string
	opts     Options

	sink Sink

	bytesRead atomic.Int64
	lineCount atomic.Int64

	// tail state, owned by the Run goroutine
	file    *os.File
	reader  *bufio.Reader
	offset  int64
	ident   os.FileInfo
	partial bytes.Buffer
}

// New creates a pump for a server's log file.
func New(serverID, path string, sink Sink, opts Options) *Pump {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	return &Pump{serverID: serverID, path: path, opts: opts, sink: sink}
}

// BytesRead returns the total bytes consumed so far. The startup watcher uses
// it to tell "log silent" apart from "log flowing but no marker yet".
func (p *Pump) BytesRead() int64 { return p.bytesRead.Load() }

// Lines returns the number of complete lines delivered so far.
func (p *Pump) Lines() int64 { return p.lineCount.Load() }

// Run tails the file until ctx is canceled. The log file may not exist yet
// when Run starts (the JVM creates it); the pump waits for it. A log file
// that never appears degrades the pump to waiting, it is not an error.
func (p *Pump) Run(ctx context.Context) error {
	defer p.closeFile()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn().Err(err).Str("server_id", p.serverID).
			Msg("fsnotify unavailable, log pump falls back to polling only")
	} else {
		defer watcher.Close() //nolint:errcheck // shutdown path
		// Watch the directory: the file itself may not exist yet, and
		// rotation replaces it.
		if werr := watcher.Add(filepath.Dir(p.path)); werr != nil {
			logging.Warn().Err(werr).Str("server_id", p.serverID).
				Msg("cannot watch log directory, polling only")
		}
	}

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	// Initial catch-up before the first wakeup.
	p.drain()

	for {
		var events <-chan fsnotify.Event
		var errs <-chan error
		if watcher != nil {
			events = watcher.Events
			errs = watcher.Errors
		}
		select {
		case <-ctx.Done():
			// Final drain so lines written just before shutdown are not lost.
			p.drain()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				watcher = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(p.path) {
				continue
			}
			p.drain()
		case werr, ok := <-errs:
			if !ok {
				watcher = nil
				continue
			}
			if werr != nil {
				logging.Trace().Err(werr).Str("server_id", p.serverID).Msg("log watcher error")
			}
		case <-ticker.C:
			p.drain()
		}
	}
}

// drain reads everything currently available, handling open, rotation, and
// partial trailing lines.
func (p *Pump) drain() {
	if p.file == nil {
		if !p.open() {
			return
		}
	} else if p.rotated() {
		metrics.LogRotations.Inc()
		logging.Debug().Str("server_id", p.serverID).Str("path", p.path).
			Msg("log rotation detected, reopening from start")
		p.closeFile()
		p.partial.Reset()
		if !p.open() {
			return
		}
	}

	for {
		chunk, err := p.reader.ReadBytes('\n')
		if len(chunk) > 0 {
			p.offset += int64(len(chunk))
			p.bytesRead.Add(int64(len(chunk)))
			p.partial.Write(chunk)
		}
		if err != nil {
			if err != io.EOF {
				logging.Trace().Err(err).Str("server_id", p.serverID).Msg("log read error")
			}
			return
		}
		p.emit()
	}
}

// emit delivers the buffered complete line to the sink.
func (p *Pump) emit() {
	line := p.partial.String()
	p.partial.Reset()
	// Strip the newline and a tolerated carriage return.
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	p.lineCount.Add(1)
	metrics.LogLinesPumped.Inc()
	p.sink(line, time.Now())
}

// open opens the log file and positions the read offset. Returns false when
// the file does not exist yet.
func (p *Pump) open() bool {
	f, err := os.Open(p.path)
	if err != nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck // error path
		return false
	}

	p.offset = 0
	if p.opts.SeekEnd {
		// Only the very first open seeks to end; reopens after rotation
		// must replay the fresh file from the start.
		p.opts.SeekEnd = false
		if off, serr := f.Seek(0, io.SeekEnd); serr == nil {
			p.offset = off
		}
	}

	p.file = f
	p.ident = info
	p.reader = bufio.NewReaderSize(f, 64*1024)
	return true
}

// rotated reports whether the file under p.path is no longer the one we hold:
// either it was truncated below our offset or replaced with a new inode.
func (p *Pump) rotated() bool {
	info, err := os.Stat(p.path)
	if err != nil {
		// Removed out from under us; reopen when it reappears.
		return true
	}
	if !os.SameFile(p.ident, info) {
		return true
	}
	return info.Size() < p.offset
}

func (p *Pump) closeFile() {
	if p.file != nil {
		p.file.Close() //nolint:errcheck // tail handle
		p.file = nil
		p.reader = nil
		p.ident = nil
	}
}

// String implements fmt.Stringer for supervision tree logging.
func (p *Pump) String() string {
	return fmt.Sprintf("logpump-%s", p.serverID)
}
