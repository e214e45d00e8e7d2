// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syncq maintains the offline replication queue. Session mutations
// are appended here first; a background drain loop delivers them to the
// signing authority in order once the node is online, with exponential
// backoff between attempts and a dead-letter gate for items that keep
// failing.
package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianSign/services/signing/events"
	"github.com/AleutianAI/AleutianSign/services/signing/store"
	"github.com/AleutianAI/AleutianSign/services/signing/transport"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrStopped is returned when the manager is asked to do work after
	// Stop.
	ErrStopped = errors.New("sync manager stopped")

	// ErrMalformedItem is returned by DeserializeQueue when any item in the
	// batch fails validation. The whole batch is rejected.
	ErrMalformedItem = errors.New("malformed queue item")

	// ErrItemNotFound is returned by RetryItem for an unknown item ID.
	ErrItemNotFound = errors.New("queue item not found")
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aleutian_sign_sync_queue_depth",
		Help: "Items currently waiting in the replication queue.",
	})
	syncAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aleutian_sign_sync_attempts_total",
		Help: "Replication attempts by outcome.",
	}, []string{"outcome"})
)

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

// Config configures the drain loop and its retry behavior.
type Config struct {
	// PollInterval is how often the drain loop wakes up while online.
	// Default: 5s
	PollInterval time.Duration

	// InitialBackoff is the wait before an item's first retry.
	// Default: 1s
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries of one item.
	// Default: 2m
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier for exponential backoff.
	// Default: 2.0
	BackoffFactor float64

	// JitterFactor is the maximum jitter as a fraction of backoff (0-1).
	// Adds randomness to prevent thundering herd. Default: 0.2
	JitterFactor float64

	// MaxRetries is how many failed delivery attempts an item gets before
	// it is dead-lettered. Default: 8
	MaxRetries int
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 1 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2.0
	}
	if c.JitterFactor == 0 {
		c.JitterFactor = 0.2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max backoff %v must be >= initial backoff %v", c.MaxBackoff, c.InitialBackoff)
	}
	if c.BackoffFactor < 1.0 {
		return fmt.Errorf("backoff factor must be >= 1.0, got %v", c.BackoffFactor)
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return fmt.Errorf("jitter factor must be in [0, 1], got %v", c.JitterFactor)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Manager
// -----------------------------------------------------------------------------

var queueValidate = validator.New()

// Manager owns the replication queue: it accepts work from the session
// layer, persists it, and drains it to the authority while online.
//
// Thread Safety: All methods are safe for concurrent use. At most one drain
// cycle runs at a time.
type Manager struct {
	store      store.Store
	replicator transport.Replicator
	bus        *events.Bus
	cfg        Config
	logger     *slog.Logger

	now    func() time.Time
	online atomic.Bool

	drainMu sync.Mutex
	kickCh  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started atomic.Bool
	stopped atomic.Bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the manager's time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager wires a sync manager over its store, transport, and event bus.
// The manager starts offline; call SetOnline(true) once connectivity is
// confirmed.
func NewManager(st store.Store, replicator transport.Replicator, bus *events.Bus, cfg Config, logger *slog.Logger, opts ...Option) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sync config: %w", err)
	}
	if st == nil || replicator == nil || bus == nil {
		return nil, errors.New("sync manager requires store, replicator, and bus")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:      st,
		replicator: replicator,
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "sync_manager")),
		now:        time.Now,
		kickCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Enqueue appends one replication item to the durable queue. Items drain in
// append order, so a session's create always reaches the authority before
// its updates.
func (m *Manager) Enqueue(ctx context.Context, sessionID string, action store.Action, payload json.RawMessage) error {
	if m.stopped.Load() {
		return ErrStopped
	}
	item := store.QueueItem{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Action:    action,
		Payload:   payload,
		CreatedAt: m.now().UTC(),
	}
	if err := queueValidate.Struct(item); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedItem, err)
	}
	stored, err := m.store.AppendQueueItem(ctx, item)
	if err != nil {
		return fmt.Errorf("append queue item: %w", err)
	}
	m.logger.DebugContext(ctx, "item enqueued",
		slog.String("item_id", stored.ID),
		slog.String("session_id", sessionID),
		slog.String("action", string(action)),
	)
	m.kick()
	return nil
}

// Start launches the drain loop. Safe to call once; later calls are no-ops.
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run()
}

// Stop shuts the drain loop down and waits for the in-flight cycle to
// finish its current item. Idempotent.
func (m *Manager) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	close(m.stopCh)
	if m.started.Load() {
		<-m.doneCh
	}
}

// SetOnline flips the connectivity state. Coming online publishes a network
// event and immediately kicks a drain cycle; going offline pauses draining
// after the current item.
func (m *Manager) SetOnline(online bool) {
	prev := m.online.Swap(online)
	if prev == online {
		return
	}
	if online {
		m.bus.Publish(events.TypeOnline, nil)
		m.kick()
	} else {
		m.bus.Publish(events.TypeOffline, nil)
	}
	m.logger.Info("connectivity changed", slog.Bool("online", online))
}

// Online reports the current connectivity state.
func (m *Manager) Online() bool {
	return m.online.Load()
}

// Queue returns a snapshot of all queued items in drain order, including
// backoff holds and dead-lettered items.
func (m *Manager) Queue(ctx context.Context) ([]store.QueueItem, error) {
	return m.store.QueueItems(ctx)
}

// RetryItem clears the dead-letter flag on one item so the drain loop picks
// it up again on its next cycle. The retry counter restarts from zero.
func (m *Manager) RetryItem(ctx context.Context, id string) error {
	items, err := m.store.QueueItems(ctx)
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}
	for _, item := range items {
		if item.ID != id {
			continue
		}
		item.DeadLettered = false
		item.Retries = 0
		item.NextAttemptAt = time.Time{}
		if err := m.store.UpdateQueueItem(ctx, item); err != nil {
			return fmt.Errorf("update queue item: %w", err)
		}
		m.kick()
		return nil
	}
	return fmt.Errorf("%w: %s", ErrItemNotFound, id)
}

// kick nudges the drain loop without waiting for the next poll tick.
func (m *Manager) kick() {
	select {
	case m.kickCh <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		case <-m.kickCh:
		}
		if !m.online.Load() {
			continue
		}
		if err := m.Drain(context.Background()); err != nil && !errors.Is(err, ErrStopped) {
			m.logger.Warn("drain cycle failed", slog.String("error", err.Error()))
		}
	}
}

// Drain runs one drain cycle: deliver every due item in order, stopping at
// the first failure so a session's later mutations never overtake an
// earlier one.
//
// Description:
//
//	Items are processed in append order. Dead-lettered items are skipped;
//	they hold until RetryItem. An item still inside its backoff window
//	stops the cycle, as does any delivery failure. Successful items are
//	removed from the queue. A retryable failure reschedules the item with
//	exponential backoff; a terminal rejection or an exhausted retry budget
//	dead-letters it.
//
// Thread Safety: Serialized internally; concurrent calls queue up.
func (m *Manager) Drain(ctx context.Context) error {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	items, err := m.store.QueueItems(ctx)
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}
	queueDepth.Set(float64(len(items)))
	if len(items) == 0 {
		return nil
	}
	m.bus.Publish(events.TypeSyncStarted, len(items))

	for _, item := range items {
		select {
		case <-m.stopCh:
			return ErrStopped
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if item.DeadLettered {
			continue
		}
		now := m.now().UTC()
		if !item.NextAttemptAt.IsZero() && now.Before(item.NextAttemptAt) {
			// Head of the queue is still backing off; later items must
			// wait behind it.
			return nil
		}
		if done := m.deliver(ctx, item); !done {
			return nil
		}
	}
	remaining, err := m.store.QueueItems(ctx)
	if err == nil {
		queueDepth.Set(float64(len(remaining)))
	}
	return nil
}

// deliver attempts one item. Returns true when the cycle may continue past
// it.
func (m *Manager) deliver(ctx context.Context, item store.QueueItem) bool {
	attempt := item.Retries + 1
	err := m.replicator.Replicate(ctx, item)
	if err == nil {
		if derr := m.store.DeleteQueueItem(ctx, item.ID); derr != nil {
			m.logger.Error("failed to remove delivered item",
				slog.String("item_id", item.ID),
				slog.String("error", derr.Error()),
			)
			return false
		}
		syncAttemptsTotal.WithLabelValues("success").Inc()
		m.bus.Publish(events.TypeSyncCompleted, item.ID)
		m.logger.Info("item replicated",
			slog.String("item_id", item.ID),
			slog.String("session_id", item.SessionID),
			slog.String("action", string(item.Action)),
			slog.Int("attempt", attempt),
		)
		return true
	}

	retryable := transport.IsRetryable(err)
	item.Retries++
	failure := events.SyncFailure{
		ItemID:    item.ID,
		SessionID: item.SessionID,
		Action:    string(item.Action),
		Attempt:   attempt,
		WillRetry: retryable && item.Retries < m.cfg.MaxRetries,
		Err:       err.Error(),
	}

	if !failure.WillRetry {
		item.DeadLettered = true
		syncAttemptsTotal.WithLabelValues("dead_letter").Inc()
		if uerr := m.store.UpdateQueueItem(ctx, item); uerr != nil {
			m.logger.Error("failed to persist dead-letter",
				slog.String("item_id", item.ID),
				slog.String("error", uerr.Error()),
			)
		}
		m.bus.Publish(events.TypeSyncDeadLettered, failure)
		m.logger.Error("item dead-lettered",
			slog.String("item_id", item.ID),
			slog.String("session_id", item.SessionID),
			slog.Int("attempts", item.Retries),
			slog.String("error", err.Error()),
		)
		return false
	}

	item.NextAttemptAt = m.now().UTC().Add(m.backoff(item.Retries))
	syncAttemptsTotal.WithLabelValues("retry").Inc()
	if uerr := m.store.UpdateQueueItem(ctx, item); uerr != nil {
		m.logger.Error("failed to persist retry state",
			slog.String("item_id", item.ID),
			slog.String("error", uerr.Error()),
		)
	}
	m.bus.Publish(events.TypeSyncFailed, failure)
	m.logger.Warn("item delivery failed",
		slog.String("item_id", item.ID),
		slog.String("session_id", item.SessionID),
		slog.Int("attempt", attempt),
		slog.Duration("next_attempt_in", time.Until(item.NextAttemptAt)),
		slog.String("error", err.Error()),
	)
	return false
}

// backoff computes the wait before retry number n (1-based), with jitter in
// the range [base*(1-jitter), base*(1+jitter)]. The result always stays
// within [InitialBackoff, MaxBackoff], jitter included.
func (m *Manager) backoff(n int) time.Duration {
	base := float64(m.cfg.InitialBackoff)
	for i := 1; i < n; i++ {
		base *= m.cfg.BackoffFactor
		if base >= float64(m.cfg.MaxBackoff) {
			base = float64(m.cfg.MaxBackoff)
			break
		}
	}
	if m.cfg.JitterFactor > 0 {
		jitter := (rand.Float64()*2 - 1) * m.cfg.JitterFactor
		base *= 1.0 + jitter
	}
	if base < float64(m.cfg.InitialBackoff) {
		base = float64(m.cfg.InitialBackoff)
	}
	if base > float64(m.cfg.MaxBackoff) {
		base = float64(m.cfg.MaxBackoff)
	}
	return time.Duration(base)
}
