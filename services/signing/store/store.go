// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides durable local persistence for signing sessions and
// the offline sync queue.
//
// Two collections are kept: one record per session keyed by session id, and
// an order-preserving queue of not-yet-replicated mutations. Session records
// are opaque bytes to this package; the session manager owns their shape.
// Queue items are typed here because ordering, retry counts, and dead-letter
// state are persistence concerns.
//
// The only production implementation is BadgerStore (embedded BadgerDB, part
// of the local-first persistence model). All access goes through the session
// and sync managers; no other component reads or writes these keys.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session or queue item does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStoreClosed is returned when operations are called on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// Action identifies the kind of session mutation awaiting replication.
type Action string

const (
	// ActionCreate replicates a newly created session.
	ActionCreate Action = "create"

	// ActionUpdate replicates a status change or recorded signature.
	ActionUpdate Action = "update"

	// ActionComplete replicates a session reaching the completed state.
	ActionComplete Action = "complete"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionComplete:
		return true
	}
	return false
}

// QueueItem is one durable, not-yet-replicated session mutation.
//
// The validate tags are enforced when a serialized queue is imported; see
// the syncq package. Seq is assigned by the store on append and fixes
// creation order even if timestamps collide.
type QueueItem struct {
	ID        string          `json:"id" validate:"required,uuid4"`
	SessionID string          `json:"session_id" validate:"required,uuid4"`
	Action    Action          `json:"action" validate:"required,oneof=create update complete"`
	Payload   json.RawMessage `json:"payload" validate:"required"`
	CreatedAt time.Time       `json:"created_at" validate:"required"`
	Retries   int             `json:"retries" validate:"gte=0"`

	// Seq is the store-assigned append sequence number.
	Seq uint64 `json:"seq"`

	// NextAttemptAt is the earliest time the drain loop may retry this item.
	// Zero means the item is due immediately.
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`

	// DeadLettered marks an item whose retries are exhausted. Dead-lettered
	// items are never drained automatically; they stay visible for manual
	// retry or removal.
	DeadLettered bool `json:"dead_lettered,omitempty"`
}

// Store is the persistence abstraction shared by the session and sync managers.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// PutSession writes or replaces the record for id.
	PutSession(ctx context.Context, id string, record []byte) error

	// GetSession returns the record for id, or ErrNotFound.
	GetSession(ctx context.Context, id string) ([]byte, error)

	// DeleteSession removes the record for id. Returns ErrNotFound if absent.
	DeleteSession(ctx context.Context, id string) error

	// ListSessions returns every stored session record. No expiry filtering
	// is applied; callers decide what an expired session means.
	ListSessions(ctx context.Context) ([][]byte, error)

	// AppendQueueItem durably appends item, assigning its sequence number.
	// The returned item carries the assigned Seq.
	AppendQueueItem(ctx context.Context, item QueueItem) (QueueItem, error)

	// QueueItems returns all queue items sorted by creation order
	// (CreatedAt, then Seq), independent of physical storage order.
	QueueItems(ctx context.Context) ([]QueueItem, error)

	// UpdateQueueItem rewrites an existing item (retry count, backoff
	// deadline, dead-letter flag). Returns ErrNotFound if absent.
	UpdateQueueItem(ctx context.Context, item QueueItem) error

	// DeleteQueueItem removes the item with the given id.
	DeleteQueueItem(ctx context.Context, id string) error

	// Close releases underlying resources. Operations after Close fail
	// with ErrStoreClosed.
	Close() error
}
