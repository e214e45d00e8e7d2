// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_ReachesSubscriber(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Subscribe(func(e Event) { got = append(got, e) })

	bus.Publish(TypeSyncCompleted, map[string]string{"item": "i1"})

	require.Len(t, got, 1)
	assert.Equal(t, TypeSyncCompleted, got[0].Type)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestSubscribe_TypeFilter(t *testing.T) {
	bus := NewBus()

	var failures int
	bus.Subscribe(func(e Event) { failures++ }, TypeSyncFailed, TypeSyncDeadLettered)

	bus.Publish(TypeSyncCompleted, nil)
	bus.Publish(TypeSyncFailed, nil)
	bus.Publish(TypeSyncDeadLettered, nil)

	assert.Equal(t, 2, failures)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()

	var count int
	id := bus.Subscribe(func(e Event) { count++ })

	bus.Publish(TypeOnline, nil)
	assert.True(t, bus.Unsubscribe(id))
	bus.Publish(TypeOnline, nil)

	assert.Equal(t, 1, count)
	assert.False(t, bus.Unsubscribe(id))
	assert.Equal(t, 0, bus.SubscriptionCount())
}

// TestPublish_HandlerPanicRecovered verifies one panicking handler does not
// prevent delivery to the others.
func TestPublish_HandlerPanicRecovered(t *testing.T) {
	bus := NewBus()

	bus.Subscribe(func(e Event) { panic("bad handler") })
	var delivered bool
	bus.Subscribe(func(e Event) { delivered = true })

	assert.NotPanics(t, func() { bus.Publish(TypeSyncFailed, nil) })
	assert.True(t, delivered)
}

func TestBuffer_BoundedAndOrdered(t *testing.T) {
	bus := NewBus(WithBufferSize(3))

	for i := 0; i < 5; i++ {
		bus.Publish(TypeSyncCompleted, i)
	}

	buf := bus.Buffer()
	require.Len(t, buf, 3)
	assert.Equal(t, 2, buf[0].Data)
	assert.Equal(t, 4, buf[2].Data)
}

func TestBufferByType(t *testing.T) {
	bus := NewBus()

	bus.Publish(TypeOnline, nil)
	bus.Publish(TypeOffline, nil)
	bus.Publish(TypeOnline, nil)

	assert.Len(t, bus.BufferByType(TypeOnline), 2)
	assert.Len(t, bus.BufferByType(TypeOffline), 1)
	assert.Empty(t, bus.BufferByType(TypeSessionExpired))
}
