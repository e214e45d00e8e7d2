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
	"time"

	"github.com/AleutianAI/AleutianSign/services/signing/store"
)

// queueEnvelopeVersion is bumped if the export format ever changes shape.
const queueEnvelopeVersion = 1

// queueEnvelope is the portable export format for a queue snapshot.
type queueEnvelope struct {
	Version    int               `json:"version"`
	ExportedAt time.Time         `json:"exported_at"`
	Items      []store.QueueItem `json:"items"`
}

// SerializeQueue exports the current queue as a self-describing JSON
// envelope, drain order preserved. Used to carry pending work across
// devices or process migrations.
func (m *Manager) SerializeQueue(ctx context.Context) ([]byte, error) {
	items, err := m.store.QueueItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	env := queueEnvelope{
		Version:    queueEnvelopeVersion,
		ExportedAt: m.now().UTC(),
		Items:      items,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode queue envelope: %w", err)
	}
	return data, nil
}

// DeserializeQueue parses and validates an exported queue envelope.
//
// Description:
//
//	Every item in the batch must pass structural validation; one malformed
//	item rejects the whole batch so a partial import can never reorder or
//	drop a session's mutations.
//
// Outputs:
//   - []store.QueueItem: The validated items in their original drain order.
//   - error: ErrMalformedItem (wrapped with the offending index) or a
//     decode error.
func DeserializeQueue(data []byte) ([]store.QueueItem, error) {
	var env queueEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode queue envelope: %w", err)
	}
	if env.Version != queueEnvelopeVersion {
		return nil, fmt.Errorf("unsupported queue envelope version %d", env.Version)
	}
	for i, item := range env.Items {
		if err := queueValidate.Struct(item); err != nil {
			return nil, fmt.Errorf("%w: item %d: %w", ErrMalformedItem, i, err)
		}
	}
	return env.Items, nil
}

// ImportQueue validates an exported envelope and appends its items to the
// local queue. Items keep their original IDs, timestamps, and retry state,
// so the drain order merges them with pending local work by creation time.
func (m *Manager) ImportQueue(ctx context.Context, data []byte) (int, error) {
	items, err := DeserializeQueue(data)
	if err != nil {
		return 0, err
	}
	for i, item := range items {
		if _, err := m.store.AppendQueueItem(ctx, item); err != nil {
			return i, fmt.Errorf("append imported item %d: %w", i, err)
		}
	}
	if len(items) > 0 {
		m.kick()
	}
	return len(items), nil
}
