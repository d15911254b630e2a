// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package api

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/minefleet/minefleet/internal/events"
	"github.com/minefleet/minefleet/internal/logging"
	"github.com/minefleet/minefleet/internal/metrics"
	"github.com/minefleet/minefleet/internal/models"
)

// WebSocket message types.
const (
	MessageTypeLog    = "log"
	MessageTypeStatus = "status"
	MessageTypeBackup = "backup"
	MessageTypePing   = "ping"
	MessageTypePong   = "pong"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024

	clientQueueSize = 256
)

// Message is one frame sent to a websocket client.
type Message struct {
	Type     string      `json:"type"`
	ServerID string      `json:"server_id,omitempty"`
	Data     interface{} `json:"data,omitempty"`
}

// Hub fans bus events out to websocket clients. Each client watches a single
// server; log lines and status events for other servers are filtered before
// queuing. It implements suture.Service.
type Hub struct {
	bus *events.Bus

	register   chan *wsClient
	unregister chan *wsClient

	mu      sync.Mutex
	clients map[*wsClient]bool
}

// NewHub creates a hub reading from bus.
func NewHub(bus *events.Bus) *Hub {
	return &Hub{
		bus:        bus,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[*wsClient]bool),
	}
}

func (h *Hub) String() string { return "ws-hub" }

// Serve subscribes to the event bus and runs the fan-out loop until the
// context is canceled. All clients are closed on the way out.
func (h *Hub) Serve(ctx context.Context) error {
	statusCh, err := h.bus.Subscribe(ctx, models.TopicServerStatus)
	if err != nil {
		return err
	}
	logsCh, err := h.bus.Subscribe(ctx, models.TopicServerLogs)
	if err != nil {
		return err
	}
	backupCh, err := h.bus.Subscribe(ctx, models.TopicBackupCompleted)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return ctx.Err()

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			logging.Info().Str("server_id", client.serverID).Int("total_clients", total).
				Msg("websocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Info().Str("server_id", client.serverID).Int("total_clients", total).
				Msg("websocket client disconnected")

		case msg, ok := <-statusCh:
			if !ok {
				h.closeAllClients()
				return nil
			}
			if ev, derr := events.DecodeStatus(msg); derr == nil {
				h.broadcast(Message{Type: MessageTypeStatus, ServerID: ev.ServerID, Data: ev})
			}
			msg.Ack()

		case msg, ok := <-logsCh:
			if !ok {
				h.closeAllClients()
				return nil
			}
			if ev, derr := events.DecodeLogLine(msg); derr == nil {
				h.broadcast(Message{Type: MessageTypeLog, ServerID: ev.ServerID, Data: ev})
			}
			msg.Ack()

		case msg, ok := <-backupCh:
			if !ok {
				h.closeAllClients()
				return nil
			}
			if ev, derr := events.DecodeBackupCompleted(msg); derr == nil {
				h.broadcast(Message{Type: MessageTypeBackup, ServerID: ev.ServerID, Data: ev})
			}
			msg.Ack()
		}
	}
}

// broadcast queues the message on every client watching its server, in client
// id order. A full client queue drops its oldest entry rather than the new
// message or the client.
func (h *Hub) broadcast(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		if client.serverID == message.ServerID {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	for _, client := range clients {
		client.push(message)
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	if len(clients) > 0 {
		logging.Info().Int("clients_closed", len(clients)).Msg("closed all websocket clients")
	}
}

// clientCount is used by tests.
func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

var wsClientIDCounter atomic.Uint64

// wsClient bridges one websocket connection and the hub.
type wsClient struct {
	id       uint64
	serverID string
	hub      *Hub
	conn     *websocket.Conn
	send     chan Message
}

func newWSClient(hub *Hub, conn *websocket.Conn, serverID string) *wsClient {
	return &wsClient{
		id:       wsClientIDCounter.Add(1),
		serverID: serverID,
		hub:      hub,
		conn:     conn,
		send:     make(chan Message, clientQueueSize),
	}
}

// push enqueues without blocking the hub: when the queue is full the oldest
// entry is dropped first.
func (c *wsClient) push(message Message) {
	select {
	case c.send <- message:
		return
	default:
	}
	select {
	case <-c.send:
		metrics.SubscriberDrops.WithLabelValues("websocket").Inc()
	default:
	}
	select {
	case c.send <- message:
	default:
	}
}

func (c *wsClient) start() {
	go c.writePump()
	go c.readPump()
}

// readPump consumes client frames; only ping messages are meaningful.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close() //nolint:errcheck // best-effort cleanup
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		if msg.Type == MessageTypePing {
			c.push(Message{Type: MessageTypePong})
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // best-effort cleanup
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck // closing anyway
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// upgrader accepts any origin: the API binds to operator-controlled
// interfaces and carries no browser credentials.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServerWS handles GET /api/v1/servers/{id}/ws: a stream of log lines and
// status events for one server. The client receives the current status
// snapshot first.
func (h *Handler) ServerWS(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "id")
	snap, err := h.sup.Status(serverID)
	if err != nil {
		respondOpError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newWSClient(h.hub, conn, serverID)
	client.push(Message{Type: MessageTypeStatus, ServerID: serverID, Data: models.ServerStatusChanged{
		ServerID: serverID,
		Old:      snap.Status,
		New:      snap.Status,
		Reason:   "subscribe",
		At:       time.Now().UTC(),
	}})
	h.hub.register <- client
	client.start()
}
