// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

// Package rcon implements the Minecraft (Source-derived) RCON protocol:
// framed little-endian packets over TCP, password login, then command
// execution. Multi-packet responses are reassembled via a sentinel request.
package rcon

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Packet types. Login responses reuse the command type; a request id of -1
// in the login response signals authentication failure.
const (
	typeResponse = int32(0)
	typeCommand  = int32(2)
	typeLogin    = int32(3)
)

// maxPayload bounds a single inbound packet body. The server caps responses
// at 4096 bytes of payload; anything far beyond that is a framing error.
const maxPayload = 8192

// packet is one RCON frame. The wire format is:
//
//	int32 length   (of the remainder, little endian)
//	int32 requestID
//	int32 type
//	[]byte payload (ASCII/UTF-8, no NUL)
//	2 NUL bytes
type packet struct {
	RequestID int32
	Type      int32
	Payload   []byte
}

// writePacket frames and writes p.
func writePacket(w io.Writer, p packet) error {
	// length covers requestID + type + payload + two terminators.
	length := int32(4 + 4 + len(p.Payload) + 2)
	buf := make([]byte, 0, 4+length)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(length))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.RequestID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Type))
	buf = append(buf, p.Payload...)
	buf = append(buf, 0, 0)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("rcon write: %w", err)
	}
	return nil
}

// readPacket reads and unframes one packet.
func readPacket(r io.Reader) (packet, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return packet{}, fmt.Errorf("rcon read length: %w", err)
	}
	length := int32(binary.LittleEndian.Uint32(head[:]))
	if length < 10 || length > maxPayload+10 {
		return packet{}, fmt.Errorf("rcon framing: implausible packet length %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return packet{}, fmt.Errorf("rcon read body: %w", err)
	}

	p := packet{
		RequestID: int32(binary.LittleEndian.Uint32(body[0:4])),
		Type:      int32(binary.LittleEndian.Uint32(body[4:8])),
	}
	payload := body[8:]
	if len(payload) < 2 || payload[len(payload)-1] != 0 || payload[len(payload)-2] != 0 {
		return packet{}, fmt.Errorf("rcon framing: missing terminators")
	}
	p.Payload = payload[: len(payload)-2 : len(payload)-2]
	return p, nil
}
