// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package expiry sweeps sessions whose deadline has passed and moves them
// to the expired status. Signing operations reject elapsed sessions on
// their own; the watcher makes the transition durable and observable.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSign/services/signing/events"
	"github.com/AleutianAI/AleutianSign/services/signing/session"
)

// Config controls the sweep cadence.
type Config struct {
	// Interval is how often stored sessions are swept. Default: 1m
	Interval time.Duration
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
}

// Watcher periodically expires overdue sessions.
//
// Thread Safety: Start and Stop are safe to call from any goroutine.
type Watcher struct {
	sessions *session.Manager
	bus      *events.Bus
	cfg      Config
	logger   *slog.Logger

	now func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	startMu sync.Mutex
	started bool
	stopped bool
}

// NewWatcher builds a watcher over the session manager.
func NewWatcher(sessions *session.Manager, bus *events.Bus, cfg Config, logger *slog.Logger) (*Watcher, error) {
	cfg.ApplyDefaults()
	if sessions == nil || bus == nil {
		return nil, errors.New("expiry watcher requires session manager and bus")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		sessions: sessions,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "expiry_watcher")),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start launches the sweep loop. Safe to call once; later calls are no-ops.
func (w *Watcher) Start() {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true
	go w.run()
}

// Stop halts the sweep loop and waits for the current sweep to finish.
// Idempotent.
func (w *Watcher) Stop() {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stopCh)
	if w.started {
		<-w.doneCh
	}
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.Sweep(context.Background()); err != nil {
				w.logger.Warn("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs one pass: every active session past its deadline transitions
// to expired and a session.expired event is published for it.
//
// Outputs:
//   - error: The first listing failure; individual transition failures are
//     logged and do not abort the pass.
func (w *Watcher) Sweep(ctx context.Context) error {
	sessions, err := w.sessions.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	now := w.now().UTC()
	for _, s := range sessions {
		if s.Status.Terminal() || !s.IsExpired(now) {
			continue
		}
		if _, err := w.sessions.UpdateStatus(ctx, s.ID, session.StatusExpired, session.ActorSystem); err != nil {
			// Another writer may have raced the transition; skip and let
			// the next sweep reconcile.
			w.logger.Warn("failed to expire session",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.bus.Publish(events.TypeSessionExpired, s.ID)
		w.logger.Info("session expired",
			slog.String("session_id", s.ID),
			slog.Time("deadline", *s.ExpiresAt),
		)
	}
	return nil
}
