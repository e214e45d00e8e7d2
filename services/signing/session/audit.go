// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Audit action labels. StatusChanged carries the target status as a suffix,
// e.g. "StatusChanged:accepted".
const (
	ActionDocumentUploaded    = "DocumentUploaded"
	ActionSignatureApplied    = "SignatureApplied"
	actionStatusChangedPrefix = "StatusChanged:"
)

// ActorSystem is the actor recorded for engine-initiated events.
const ActorSystem = "system"

// StatusChangedAction builds the audit action label for a status change.
func StatusChangedAction(to Status) string {
	return actionStatusChangedPrefix + string(to)
}

// AuditEvent is one entry in a session's append-only audit chain.
//
// Each event links to its predecessor twice: PrevID carries the
// predecessor's identity, and PrevHash carries a digest of the
// predecessor's serialized content. The content hash is what makes the
// chain tamper-evident; rewriting an event invalidates every later link.
// The first event of a chain has empty links.
type AuditEvent struct {
	ID           string    `json:"id"`
	Action       string    `json:"action"`
	Actor        string    `json:"actor"`
	DocumentHash string    `json:"document_hash"`
	PrevID       string    `json:"prev_id"`
	PrevHash     string    `json:"prev_hash"`
	Timestamp    time.Time `json:"timestamp"`
}

// hashEvent computes the chain-link digest of an event: SHA-256 over its
// canonical JSON encoding, rendered as lowercase hex.
func hashEvent(ev AuditEvent) string {
	// json.Marshal of a struct is deterministic: fields in declaration order.
	b, err := json.Marshal(ev)
	if err != nil {
		// AuditEvent contains only marshalable fields; this cannot happen.
		panic(fmt.Sprintf("marshal audit event: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// appendAudit appends one event to the session's chain, linking it to the
// current tail. Every session-mutating operation appends exactly one event.
func (s *Session) appendAudit(action, actor string, at time.Time) {
	ev := AuditEvent{
		ID:           uuid.NewString(),
		Action:       action,
		Actor:        actor,
		DocumentHash: s.DocumentHash,
		Timestamp:    at,
	}
	if n := len(s.AuditChain); n > 0 {
		tail := s.AuditChain[n-1]
		ev.PrevID = tail.ID
		ev.PrevHash = hashEvent(tail)
	}
	s.AuditChain = append(s.AuditChain, ev)
}

// VerifyChain walks a session's audit chain and reports the first broken
// link.
//
// Description:
//
//	Checks that the chain is non-empty, starts with the document-ingested
//	event, and that every event's PrevID and PrevHash match the identity
//	and recomputed content hash of its immediate predecessor.
//
// Outputs:
//   - error: nil for an intact chain; ErrChainBroken (wrapped with the
//     offending index) otherwise.
//
// Thread Safety: Safe for concurrent use on a session that is not being
// mutated; Manager calls it under the session's mutation gate.
func VerifyChain(s *Session) error {
	if len(s.AuditChain) == 0 {
		return fmt.Errorf("%w: chain is empty", ErrChainBroken)
	}
	first := s.AuditChain[0]
	if first.Action != ActionDocumentUploaded {
		return fmt.Errorf("%w: first event is %q, want %q", ErrChainBroken, first.Action, ActionDocumentUploaded)
	}
	if first.PrevID != "" || first.PrevHash != "" {
		return fmt.Errorf("%w: first event must have empty links", ErrChainBroken)
	}
	for i := 1; i < len(s.AuditChain); i++ {
		prev, cur := s.AuditChain[i-1], s.AuditChain[i]
		if cur.PrevID != prev.ID {
			return fmt.Errorf("%w: event %d prev_id mismatch", ErrChainBroken, i)
		}
		if cur.PrevHash != hashEvent(prev) {
			return fmt.Errorf("%w: event %d prev_hash mismatch", ErrChainBroken, i)
		}
	}
	return nil
}
