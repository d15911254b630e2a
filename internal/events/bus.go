// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

// Package events implements the in-process event bus delivering
// ServerStatusChanged, LogLine, and BackupCompleted events to the
// HTTP/WebSocket layer.
//
// Transport is Watermill's gochannel Pub/Sub behind a per-topic dispatch
// queue. Each topic has one dispatcher goroutine feeding the Pub/Sub in
// acknowledged mode, so every subscriber observes a topic's events in the
// exact order they were published, while publishers only wait when the
// topic's dispatch queue is full. Subscriber teardown is tied to context
// cancellation. Payloads are JSON-encoded events from the models package.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/minefleet/minefleet/internal/logging"
	"github.com/minefleet/minefleet/internal/models"
)

// Bus is the process-wide event bus.
type Bus struct {
	pubSub    *gochannel.GoChannel
	queueSize int

	mu     sync.Mutex
	queues map[string]chan *message.Message
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewBus creates the bus. queueSize bounds both each topic's dispatch queue
// and each subscriber's buffered channel.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 128
	}
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(queueSize),
		// Acked publishing keeps per-subscriber delivery in publish order;
		// without it every message gets its own delivery goroutine and the
		// order of status transitions is lost.
		BlockPublishUntilSubscriberAck: true,
	}, newLoggerAdapter())
	return &Bus{
		pubSub:    ps,
		queueSize: queueSize,
		queues:    make(map[string]chan *message.Message),
		done:      make(chan struct{}),
	}
}

// Close stops the dispatchers, shuts the bus down, and closes all subscriber
// channels. Events still queued for dispatch are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		return nil
	default:
	}
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	return b.pubSub.Close()
}

// dispatch forwards one topic's queue to the Pub/Sub. One goroutine per
// topic; the sequential acked publishes are what preserves ordering.
func (b *Bus) dispatch(topic string, q <-chan *message.Message) {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case msg := <-q:
			if err := b.pubSub.Publish(topic, msg); err != nil {
				logging.Error().Err(err).Str("topic", topic).Msg("failed to publish event")
			}
		}
	}
}

// PublishStatus publishes a status transition event.
func (b *Bus) PublishStatus(ev models.ServerStatusChanged) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.publish(models.TopicServerStatus, ev.ServerID, ev)
}

// PublishLogLine publishes one observed log line.
func (b *Bus) PublishLogLine(ev models.LogLine) {
	b.publish(models.TopicServerLogs, ev.ServerID, ev)
}

// PublishBackupCompleted publishes a backup outcome.
func (b *Bus) PublishBackupCompleted(ev models.BackupCompleted) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.publish(models.TopicBackupCompleted, ev.ServerID, ev)
}

// serverIDMetadata is the message metadata key carrying the server id, so
// subscribers can filter without unmarshaling.
const serverIDMetadata = "server_id"

func (b *Bus) publish(topic, serverID string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error().Err(err).Str("topic", topic).Msg("failed to marshal event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set(serverIDMetadata, serverID)

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		return
	default:
	}
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan *message.Message, b.queueSize)
		b.queues[topic] = q
		b.wg.Add(1)
		go b.dispatch(topic, q)
	}
	b.mu.Unlock()

	select {
	case q <- msg:
	case <-b.done:
	}
}

// Subscribe returns the raw message stream for a topic. The channel closes
// when ctx is canceled or the bus shuts down.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := b.pubSub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return ch, nil
}

// ServerID extracts the server id metadata from a bus message.
func ServerID(msg *message.Message) string {
	return msg.Metadata.Get(serverIDMetadata)
}

// DecodeStatus unmarshals a ServerStatusChanged payload.
func DecodeStatus(msg *message.Message) (models.ServerStatusChanged, error) {
	var ev models.ServerStatusChanged
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, fmt.Errorf("failed to decode status event: %w", err)
	}
	return ev, nil
}

// DecodeLogLine unmarshals a LogLine payload.
func DecodeLogLine(msg *message.Message) (models.LogLine, error) {
	var ev models.LogLine
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, fmt.Errorf("failed to decode log event: %w", err)
	}
	return ev, nil
}

// DecodeBackupCompleted unmarshals a BackupCompleted payload.
func DecodeBackupCompleted(msg *message.Message) (models.BackupCompleted, error) {
	var ev models.BackupCompleted
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, fmt.Errorf("failed to decode backup event: %w", err)
	}
	return ev, nil
}
