// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package expiry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSign/services/signing/crypto"
	"github.com/AleutianAI/AleutianSign/services/signing/events"
	"github.com/AleutianAI/AleutianSign/services/signing/session"
	"github.com/AleutianAI/AleutianSign/services/signing/store"
)

type noopQueue struct{}

func (noopQueue) Enqueue(context.Context, string, store.Action, json.RawMessage) error { return nil }

func newTestWatcher(t *testing.T, clock *func() time.Time) (*Watcher, *session.Manager, *events.Bus) {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mgr, err := session.NewManager(st, crypto.NewProvider(), noopQueue{}, session.Config{}, nil,
		session.WithClock(func() time.Time { return (*clock)() }))
	require.NoError(t, err)

	bus := events.NewBus()
	w, err := NewWatcher(mgr, bus, Config{Interval: time.Hour}, nil)
	require.NoError(t, err)
	w.now = func() time.Time { return (*clock)() }
	return w, mgr, bus
}

func TestSweepExpiresOverdueSessions(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	w, mgr, bus := newTestWatcher(t, &clock)
	ctx := context.Background()

	overdue, err := mgr.CreateSession(ctx, []byte("overdue"), nil, nil, session.WithTTL(time.Hour))
	require.NoError(t, err)
	fresh, err := mgr.CreateSession(ctx, []byte("fresh"), nil, nil, session.WithTTL(48*time.Hour))
	require.NoError(t, err)
	eternal, err := mgr.CreateSession(ctx, []byte("eternal"), nil, nil)
	require.NoError(t, err)

	clock = func() time.Time { return now.Add(2 * time.Hour) }
	require.NoError(t, w.Sweep(ctx))

	got, err := mgr.GetSession(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusExpired, got.Status)
	require.NoError(t, session.VerifyChain(got))

	got, err = mgr.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, got.Status)

	got, err = mgr.GetSession(ctx, eternal.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, got.Status)

	expired := bus.BufferByType(events.TypeSessionExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, overdue.ID, expired[0].Data)

	// A second sweep is a no-op: the session is already terminal.
	require.NoError(t, w.Sweep(ctx))
	assert.Len(t, bus.BufferByType(events.TypeSessionExpired), 1)
}

func TestSweepSkipsTerminalSessions(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	w, mgr, bus := newTestWatcher(t, &clock)
	ctx := context.Background()

	s, err := mgr.CreateSession(ctx, []byte("doc"), nil, nil, session.WithTTL(time.Hour))
	require.NoError(t, err)
	_, err = mgr.UpdateStatus(ctx, s.ID, session.StatusDeclined, "r-1")
	require.NoError(t, err)

	clock = func() time.Time { return now.Add(2 * time.Hour) }
	require.NoError(t, w.Sweep(ctx))

	got, err := mgr.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusDeclined, got.Status)
	assert.Empty(t, bus.BufferByType(events.TypeSessionExpired))
}

func TestWatcherStartStop(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	w, _, _ := newTestWatcher(t, &clock)

	w.Start()
	w.Start() // no-op
	w.Stop()
	w.Stop() // idempotent
}
