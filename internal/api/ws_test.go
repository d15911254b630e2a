// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/minefleet/minefleet/internal/models"
)

func dialWS(t *testing.T, f *fixture, serverID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/servers/" + serverID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close() //nolint:errcheck // test cleanup
	}
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck // test cleanup
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn, within time.Duration) Message {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(within)); err != nil {
		t.Fatal(err)
	}
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	return msg
}

func TestWebSocketStreamsLogsAndStatus(t *testing.T) {
	f := newFixture(t)
	srv := f.createServer(t, "streamed")

	conn := dialWS(t, f, srv.ID)

	// The first frame is the current status snapshot.
	first := readMessage(t, conn, 5*time.Second)
	if first.Type != MessageTypeStatus || first.ServerID != srv.ID {
		t.Fatalf("first frame = %+v, want status snapshot", first)
	}

	// Give the hub a moment to register the client before publishing.
	time.Sleep(50 * time.Millisecond)

	f.bus.PublishLogLine(models.LogLine{
		ServerID:  srv.ID,
		Line:      "[12:00:00] [Server thread/INFO]: joined the game",
		Timestamp: time.Now().UTC(),
	})

	msg := readMessage(t, conn, 5*time.Second)
	if msg.Type != MessageTypeLog || msg.ServerID != srv.ID {
		t.Fatalf("frame = %+v, want log line", msg)
	}
	raw, err := json.Marshal(msg.Data)
	if err != nil {
		t.Fatal(err)
	}
	var line models.LogLine
	if err := json.Unmarshal(raw, &line); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(line.Line, "joined the game") {
		t.Errorf("line = %q", line.Line)
	}
}

func TestWebSocketFiltersOtherServers(t *testing.T) {
	f := newFixture(t)
	srv := f.createServer(t, "watched")
	other := f.createServer(t, "ignored")

	conn := dialWS(t, f, srv.ID)
	readMessage(t, conn, 5*time.Second) // initial status

	time.Sleep(50 * time.Millisecond)
	f.bus.PublishLogLine(models.LogLine{ServerID: other.ID, Line: "noise", Timestamp: time.Now().UTC()})
	f.bus.PublishLogLine(models.LogLine{ServerID: srv.ID, Line: "signal", Timestamp: time.Now().UTC()})

	msg := readMessage(t, conn, 5*time.Second)
	if msg.ServerID != srv.ID {
		t.Fatalf("leaked frame for %s", msg.ServerID)
	}
}

func TestWebSocketUnknownServer(t *testing.T) {
	f := newFixture(t)
	resp, err := f.ts.Client().Get(f.ts.URL + "/api/v1/servers/nope/ws")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestClientPushDropsOldest(t *testing.T) {
	c := &wsClient{send: make(chan Message, 2)}
	for i := 1; i <= 5; i++ {
		c.push(Message{Type: MessageTypeLog, Data: i})
	}
	got := []interface{}{(<-c.send).Data, (<-c.send).Data}
	if got[0] != 4 || got[1] != 5 {
		t.Errorf("queue = %v, want [4 5]", got)
	}
}
