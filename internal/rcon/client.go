// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package rcon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// ErrAuthFailed is returned when the server rejects the RCON password.
var ErrAuthFailed = errors.New("rcon authentication failed")

// Client is a single authenticated RCON connection. It is not safe for
// concurrent use; Session serializes access on top of it.
type Client struct {
	conn        net.Conn
	callTimeout time.Duration
	reqID       atomic.Int32
}

// Dial connects and authenticates. The context bounds the TCP connect; the
// login exchange is bounded by callTimeout.
func Dial(ctx context.Context, addr, password string, callTimeout time.Duration) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rcon dial %s: %w", addr, err)
	}

	c := &Client{conn: conn, callTimeout: callTimeout}
	if err := c.login(password); err != nil {
		conn.Close() //nolint:errcheck // failed handshake
		return nil, err
	}
	return c, nil
}

func (c *Client) login(password string) error {
	id := c.nextID()
	if err := c.roundTripWrite(packet{RequestID: id, Type: typeLogin, Payload: []byte(password)}); err != nil {
		return err
	}
	resp, err := c.readWithDeadline()
	if err != nil {
		return err
	}
	// Some servers send an empty response packet before the auth reply.
	if resp.Type == typeResponse && resp.RequestID == id {
		if resp, err = c.readWithDeadline(); err != nil {
			return err
		}
	}
	if resp.RequestID == -1 {
		return ErrAuthFailed
	}
	if resp.RequestID != id {
		return fmt.Errorf("rcon login: unexpected request id %d", resp.RequestID)
	}
	return nil
}

// Exec sends one command and reassembles the full response. Minecraft splits
// responses over 4096 bytes into multiple packets with no explicit end, so a
// sentinel command with a fresh id is sent right after; everything received
// before the sentinel's reply belongs to the command.
func (c *Client) Exec(command string) (string, error) {
	id := c.nextID()
	if err := c.roundTripWrite(packet{RequestID: id, Type: typeCommand, Payload: []byte(command)}); err != nil {
		return "", err
	}
	sentinel := c.nextID()
	// An empty command yields an empty, immediate reply.
	if err := c.roundTripWrite(packet{RequestID: sentinel, Type: typeCommand}); err != nil {
		return "", err
	}

	var b strings.Builder
	for {
		resp, err := c.readWithDeadline()
		if err != nil {
			return "", err
		}
		switch resp.RequestID {
		case sentinel:
			return b.String(), nil
		case id:
			b.Write(resp.Payload)
		default:
			return "", fmt.Errorf("rcon exec: unexpected request id %d", resp.RequestID)
		}
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) nextID() int32 {
	// Stay strictly positive; -1 and 0 carry protocol meaning.
	id := c.reqID.Add(1)
	if id <= 0 {
		c.reqID.Store(1)
		id = 1
	}
	return id
}

func (c *Client) roundTripWrite(p packet) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.callTimeout)); err != nil {
		return fmt.Errorf("rcon deadline: %w", err)
	}
	return writePacket(c.conn, p)
}

func (c *Client) readWithDeadline() (packet, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.callTimeout)); err != nil {
		return packet{}, fmt.Errorf("rcon deadline: %w", err)
	}
	return readPacket(c.conn)
}
