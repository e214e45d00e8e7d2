// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSign/services/signing/events"
	"github.com/AleutianAI/AleutianSign/services/signing/store"
	"github.com/AleutianAI/AleutianSign/services/signing/transport"
)

// fakeReplicator replays a scripted error per item ID and records delivery
// order.
type fakeReplicator struct {
	mu        sync.Mutex
	delivered []string
	fail      map[string]error
	failTimes map[string]int
}

func newFakeReplicator() *fakeReplicator {
	return &fakeReplicator{
		fail:      make(map[string]error),
		failTimes: make(map[string]int),
	}
}

func (r *fakeReplicator) Replicate(_ context.Context, item store.QueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.fail[item.ID]; ok {
		if n := r.failTimes[item.ID]; n != 0 {
			r.failTimes[item.ID] = n - 1
			if n == 1 {
				delete(r.fail, item.ID)
			}
			return err
		}
		return err
	}
	r.delivered = append(r.delivered, item.ID)
	return nil
}

// failOnce scripts n failing attempts for an item, then success.
func (r *fakeReplicator) failN(id string, n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[id] = err
	r.failTimes[id] = n
}

// failAlways scripts a permanent failure for an item.
func (r *fakeReplicator) failAlways(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[id] = err
	r.failTimes[id] = 0
}

func (r *fakeReplicator) deliveredIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.delivered...)
}

func newTestManager(t *testing.T, repl transport.Replicator, opts ...Option) (*Manager, *events.Bus) {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus()
	cfg := Config{
		PollInterval:   10 * time.Millisecond,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		MaxRetries:     3,
		JitterFactor:   0.0001, // effectively deterministic backoff for assertions
	}
	m, err := NewManager(st, repl, bus, cfg, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m, bus
}

func enqueueN(t *testing.T, m *Manager, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sessionID := uuid.NewString()
		payload := json.RawMessage(fmt.Sprintf(`{"id":%q,"n":%d}`, sessionID, i))
		require.NoError(t, m.Enqueue(ctx, sessionID, store.ActionCreate, payload))
	}
	items, err := m.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, items, n)
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}

func TestDrainDeliversFIFO(t *testing.T) {
	repl := newFakeReplicator()
	m, _ := newTestManager(t, repl)
	ctx := context.Background()

	ids := enqueueN(t, m, 5)
	require.NoError(t, m.Drain(ctx))

	assert.Equal(t, ids, repl.deliveredIDs())
	items, err := m.Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	repl := newFakeReplicator()
	m, bus := newTestManager(t, repl)
	ctx := context.Background()

	ids := enqueueN(t, m, 3)
	repl.failN(ids[1], 1, transport.ErrUnavailable)

	require.NoError(t, m.Drain(ctx))

	// First item delivered, second failed, third never attempted.
	assert.Equal(t, ids[:1], repl.deliveredIDs())
	items, err := m.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ids[1], items[0].ID)
	assert.Equal(t, 1, items[0].Retries)
	assert.False(t, items[0].NextAttemptAt.IsZero())

	failures := bus.BufferByType(events.TypeSyncFailed)
	require.Len(t, failures, 1)
	f, ok := failures[0].Data.(events.SyncFailure)
	require.True(t, ok)
	assert.Equal(t, ids[1], f.ItemID)
	assert.True(t, f.WillRetry)
}

func TestDrainHonorsBackoffWindow(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	repl := newFakeReplicator()
	m, _ := newTestManager(t, repl, WithClock(func() time.Time { return clock() }))
	ctx := context.Background()

	ids := enqueueN(t, m, 2)
	repl.failN(ids[0], 1, transport.ErrUnavailable)

	require.NoError(t, m.Drain(ctx))
	assert.Empty(t, repl.deliveredIDs())

	// Still inside the backoff window: nothing drains, order holds.
	require.NoError(t, m.Drain(ctx))
	assert.Empty(t, repl.deliveredIDs())

	// Past the window the head retries and the queue empties.
	clock = func() time.Time { return now.Add(time.Hour) }
	require.NoError(t, m.Drain(ctx))
	assert.Equal(t, ids, repl.deliveredIDs())
}

func TestDrainDeadLettersAfterMaxRetries(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	repl := newFakeReplicator()
	m, bus := newTestManager(t, repl, WithClock(func() time.Time { return clock() }))
	ctx := context.Background()

	ids := enqueueN(t, m, 1)
	repl.failAlways(ids[0], transport.ErrUnavailable)

	// MaxRetries is 3: two retryable failures, then dead-letter.
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Drain(ctx))
		clock = func() time.Time { return now.Add(time.Duration(i+1) * time.Hour) }
	}

	items, err := m.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].DeadLettered)
	assert.Equal(t, 3, items[0].Retries)

	require.Len(t, bus.BufferByType(events.TypeSyncFailed), 2)
	dead := bus.BufferByType(events.TypeSyncDeadLettered)
	require.Len(t, dead, 1)
	f, ok := dead[0].Data.(events.SyncFailure)
	require.True(t, ok)
	assert.False(t, f.WillRetry)

	// Dead-lettered items are skipped, not retried.
	require.NoError(t, m.Drain(ctx))
	assert.Empty(t, repl.deliveredIDs())
}

func TestDrainDeadLettersTerminalRejection(t *testing.T) {
	repl := newFakeReplicator()
	m, bus := newTestManager(t, repl)
	ctx := context.Background()

	ids := enqueueN(t, m, 1)
	repl.failAlways(ids[0], &transport.RemoteError{StatusCode: http.StatusBadRequest, Body: "bad payload"})

	require.NoError(t, m.Drain(ctx))

	items, err := m.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].DeadLettered, "terminal rejection skips the retry budget")
	require.Len(t, bus.BufferByType(events.TypeSyncDeadLettered), 1)
}

func TestRetryItemRevivesDeadLetter(t *testing.T) {
	repl := newFakeReplicator()
	m, _ := newTestManager(t, repl)
	ctx := context.Background()

	ids := enqueueN(t, m, 1)
	repl.failAlways(ids[0], &transport.RemoteError{StatusCode: http.StatusConflict})
	require.NoError(t, m.Drain(ctx))

	// Clear the scripted failure and revive.
	repl.mu.Lock()
	delete(repl.fail, ids[0])
	repl.mu.Unlock()

	require.NoError(t, m.RetryItem(ctx, ids[0]))
	require.NoError(t, m.Drain(ctx))
	assert.Equal(t, ids, repl.deliveredIDs())

	require.ErrorIs(t, m.RetryItem(ctx, "missing"), ErrItemNotFound)
}

func TestOnlineOfflineEdges(t *testing.T) {
	repl := newFakeReplicator()
	m, bus := newTestManager(t, repl)
	ctx := context.Background()

	ids := enqueueN(t, m, 2)
	m.Start()

	// Offline: the loop idles no matter how often it wakes.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, repl.deliveredIDs())
	assert.False(t, m.Online())

	m.SetOnline(true)
	require.Eventually(t, func() bool {
		items, err := m.Queue(ctx)
		return err == nil && len(items) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ids, repl.deliveredIDs())

	// Duplicate transitions publish no duplicate events.
	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(false)
	assert.Len(t, bus.BufferByType(events.TypeOnline), 1)
	assert.Len(t, bus.BufferByType(events.TypeOffline), 1)
}

func TestStopHaltsDrainLoop(t *testing.T) {
	repl := newFakeReplicator()
	m, _ := newTestManager(t, repl)

	m.Start()
	m.SetOnline(true)
	m.Stop()

	require.ErrorIs(t, m.Enqueue(context.Background(), uuid.NewString(), store.ActionCreate, json.RawMessage(`{}`)), ErrStopped)
	// Second Stop is a no-op.
	m.Stop()
}

func TestEnqueueValidation(t *testing.T) {
	repl := newFakeReplicator()
	m, _ := newTestManager(t, repl)
	ctx := context.Background()

	err := m.Enqueue(ctx, "not-a-uuid", store.ActionCreate, json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrMalformedItem)

	err = m.Enqueue(ctx, uuid.NewString(), store.Action("archive"), json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrMalformedItem)
}

func TestBackoffGrowth(t *testing.T) {
	m, _ := newTestManager(t, newFakeReplicator())
	m.cfg.JitterFactor = 0

	assert.Equal(t, time.Second, m.backoff(1))
	assert.Equal(t, 2*time.Second, m.backoff(2))
	assert.Equal(t, 4*time.Second, m.backoff(3))
	// Capped at MaxBackoff.
	assert.Equal(t, time.Minute, m.backoff(20))
}

// TestBackoffStaysBounded verifies jitter never pushes a delay outside
// [InitialBackoff, MaxBackoff].
func TestBackoffStaysBounded(t *testing.T) {
	m, _ := newTestManager(t, newFakeReplicator())
	m.cfg.JitterFactor = 0.5

	for n := 1; n <= 20; n++ {
		for i := 0; i < 50; i++ {
			d := m.backoff(n)
			assert.GreaterOrEqual(t, d, m.cfg.InitialBackoff)
			assert.LessOrEqual(t, d, m.cfg.MaxBackoff)
		}
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	repl := newFakeReplicator()
	m, _ := newTestManager(t, repl)
	ctx := context.Background()

	ids := enqueueN(t, m, 3)
	data, err := m.SerializeQueue(ctx)
	require.NoError(t, err)

	items, err := DeserializeQueue(data)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, ids[i], item.ID)
	}

	// Import into a fresh node and drain there.
	repl2 := newFakeReplicator()
	m2, _ := newTestManager(t, repl2)
	n, err := m2.ImportQueue(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, m2.Drain(ctx))
	assert.Equal(t, ids, repl2.deliveredIDs())
}

func TestDeserializeRejectsMalformedBatch(t *testing.T) {
	repl := newFakeReplicator()
	m, _ := newTestManager(t, repl)
	ctx := context.Background()

	enqueueN(t, m, 2)
	data, err := m.SerializeQueue(ctx)
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	items := env["items"].([]any)
	items[1].(map[string]any)["action"] = "archive"
	corrupted, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = DeserializeQueue(corrupted)
	require.ErrorIs(t, err, ErrMalformedItem)

	_, err = DeserializeQueue([]byte(`{"version":99,"items":[]}`))
	require.Error(t, err)

	_, err = DeserializeQueue([]byte(`not json`))
	require.Error(t, err)
}
