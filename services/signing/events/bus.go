// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides the in-process publish/subscribe bus that the sync
// manager and expiry watcher use to notify interested callers (typically a UI
// layer) of lifecycle events. The engine itself renders nothing; it only
// publishes.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies a category of engine event.
type Type string

const (
	// TypeSyncStarted fires when a drain cycle begins.
	TypeSyncStarted Type = "sync.started"

	// TypeSyncCompleted fires after a queue item replicates successfully.
	TypeSyncCompleted Type = "sync.completed"

	// TypeSyncFailed fires after a failed replication attempt that will or
	// will not be retried; see SyncFailure.WillRetry.
	TypeSyncFailed Type = "sync.failed"

	// TypeSyncDeadLettered fires when an item exhausts its retries and is
	// parked for manual handling. Terminal; never silent.
	TypeSyncDeadLettered Type = "sync.dead_lettered"

	// TypeOnline fires on the offline-to-online transition.
	TypeOnline Type = "net.online"

	// TypeOffline fires on the online-to-offline transition.
	TypeOffline Type = "net.offline"

	// TypeSessionExpired fires when the expiry watcher retires a session.
	TypeSessionExpired Type = "session.expired"
)

// Event is one published occurrence.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// SyncFailure is the Data payload of TypeSyncFailed and TypeSyncDeadLettered.
//
// It carries enough context for a UI collaborator to render an actionable
// message without reaching back into the engine.
type SyncFailure struct {
	ItemID    string `json:"item_id"`
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	Attempt   int    `json:"attempt"`
	WillRetry bool   `json:"will_retry"`
	Err       string `json:"error"`
}

// Handler is a function that processes events.
type Handler func(event Event)

// subscription pairs a handler with its type filter.
type subscription struct {
	handler Handler
	types   []Type
}

// Bus broadcasts events to subscribers and keeps a bounded replay buffer.
//
// Handler panics are recovered so one misbehaving subscriber cannot take
// down the publisher or starve other handlers.
//
// Thread Safety: Bus is safe for concurrent use.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	buffer        []Event
	bufferSize    int
	logger        *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the replay buffer size.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithLogger sets the logger used to report recovered handler panics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates a bus with a default 256-event replay buffer.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subscriptions: make(map[string]*subscription),
		bufferSize:    256,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.buffer = make([]Event, 0, b.bufferSize)
	return b
}

// Subscribe registers a handler for the given event types (none = all).
//
// Outputs:
//   - string: Subscription id for Unsubscribe.
func (b *Bus) Subscribe(handler Handler, types ...Type) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.subscriptions[id] = &subscription{handler: handler, types: types}
	return id
}

// Unsubscribe removes a subscription. Returns false if the id is unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscriptions[id]; ok {
		delete(b.subscriptions, id)
		return true
	}
	return false
}

// Publish broadcasts an event to all matching subscribers and buffers it.
//
// Thread Safety: Safe for concurrent use. Handlers run on the publisher's
// goroutine; they should return quickly.
func (b *Bus) Publish(eventType Type, data any) Event {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.Lock()
	if len(b.buffer) >= b.bufferSize {
		b.buffer = b.buffer[1:]
	}
	b.buffer = append(b.buffer, event)
	subs := make([]*subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.matches(eventType) {
			b.safeInvoke(sub.handler, event)
		}
	}
	return event
}

func (sub *subscription) matches(eventType Type) bool {
	if len(sub.types) == 0 {
		return true
	}
	for _, t := range sub.types {
		if t == eventType {
			return true
		}
	}
	return false
}

func (b *Bus) safeInvoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"panic", r,
			)
		}
	}()
	handler(event)
}

// Buffer returns a copy of the buffered events, oldest first.
func (b *Bus) Buffer() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, len(b.buffer))
	copy(out, b.buffer)
	return out
}

// BufferByType returns buffered events of one type, oldest first.
func (b *Bus) BufferByType(eventType Type) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, event := range b.buffer {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}
