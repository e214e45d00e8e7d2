// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session implements the signing session engine: the session state
// machine, signature recording, the hash-chained audit trail, and at-rest
// encryption of session payloads. All mutations flow through Manager, which
// serializes them per session id and persists every change synchronously.
package session

import (
	"errors"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrSessionNotFound is returned when a session id has no record.
	ErrSessionNotFound = errors.New("session not found")

	// ErrFieldNotFound is returned when a signature field id is unknown
	// within an existing session.
	ErrFieldNotFound = errors.New("signature field not found")

	// ErrInvalidTransition is returned when a status change is not in the
	// transition table, including attempts to transition a state to itself.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidState is returned when an operation is attempted in a state
	// that forbids it, such as signing a declined session.
	ErrInvalidState = errors.New("operation not permitted in current state")

	// ErrSessionExpired is returned when a mutation targets a session whose
	// expiry has passed.
	ErrSessionExpired = errors.New("session expired")

	// ErrChainBroken is returned by VerifyChain when an audit link does not
	// match the recomputed hash of its predecessor.
	ErrChainBroken = errors.New("audit chain broken")
)

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusPending is the initial state after document ingestion.
	StatusPending Status = "pending"

	// StatusAccepted means all parties agreed to proceed; signing is open.
	StatusAccepted Status = "accepted"

	// StatusDeclined is terminal: a party refused to sign.
	StatusDeclined Status = "declined"

	// StatusCompleted is terminal: every required signature was collected.
	StatusCompleted Status = "completed"

	// StatusExpired is terminal: the session outlived its expiry.
	StatusExpired Status = "expired"
)

// transitions is the complete state machine. Absent entries (and absent
// targets) are invalid, which also rejects self-transitions.
var transitions = map[Status][]Status{
	StatusPending:   {StatusAccepted, StatusDeclined, StatusExpired},
	StatusAccepted:  {StatusCompleted, StatusExpired},
	StatusDeclined:  {},
	StatusCompleted: {},
	StatusExpired:   {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Participants and fields
// -----------------------------------------------------------------------------

// RecipientRole distinguishes signers from carbon-copy recipients.
type RecipientRole string

const (
	// RoleSigner must complete signature fields.
	RoleSigner RecipientRole = "signer"

	// RoleCarbonCopy receives the document but signs nothing.
	RoleCarbonCopy RecipientRole = "carbon_copy"
)

// Recipient is one party to the signing workflow.
type Recipient struct {
	ID    string        `json:"id"`
	Email string        `json:"email"`
	Name  string        `json:"name"`
	Role  RecipientRole `json:"role"`
}

// FieldType identifies what a signature field captures.
type FieldType string

const (
	FieldSignature FieldType = "signature"
	FieldInitials  FieldType = "initials"
	FieldDate      FieldType = "date"
	FieldText      FieldType = "text"
)

// SignatureField is a placement on the document where input is collected.
// Coordinates are in document space; the engine never interprets them.
type SignatureField struct {
	ID          string    `json:"id"`
	Type        FieldType `json:"type"`
	Page        int       `json:"page"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Width       float64   `json:"width"`
	Height      float64   `json:"height"`
	Required    bool      `json:"required"`
	RecipientID string    `json:"recipient_id"`
}

// SignatureKind distinguishes drawn from typed signatures.
type SignatureKind string

const (
	SignatureDrawn SignatureKind = "drawn"
	SignatureTyped SignatureKind = "typed"
)

// RecordedSignature is the stored result of signing one field.
type RecordedSignature struct {
	FieldID   string        `json:"field_id"`
	Kind      SignatureKind `json:"kind"`
	Payload   []byte        `json:"payload"`
	Timestamp time.Time     `json:"timestamp"`
	SignerID  string        `json:"signer_id"`
}

// SignatureData is the caller-supplied portion of a signature; Manager
// assigns the field id and timestamp when recording.
type SignatureData struct {
	Kind     SignatureKind
	Payload  []byte
	SignerID string
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

// Session is one document-signing workflow instance.
//
// The plaintext document never appears here: Ciphertext/Nonce hold the
// sealed payload and DocumentKey the session-scoped key (the local store is
// the trust boundary; anything leaving the store carries ciphertext only).
// Signatures is keyed by field id with overwrite-on-duplicate semantics.
type Session struct {
	ID           string `json:"id"`
	DocumentHash string `json:"document_hash"`
	Ciphertext   []byte `json:"ciphertext"`
	Nonce        []byte `json:"nonce"`
	DocumentKey  []byte `json:"document_key,omitempty"`

	Recipients []Recipient      `json:"recipients"`
	Fields     []SignatureField `json:"fields"`

	Signatures map[string]RecordedSignature `json:"signatures"`

	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at"`

	AuditChain []AuditEvent `json:"audit_chain"`
}

// Field returns the signature field with the given id.
func (s *Session) Field(fieldID string) (SignatureField, bool) {
	for _, f := range s.Fields {
		if f.ID == fieldID {
			return f, true
		}
	}
	return SignatureField{}, false
}

// IsExpired reports whether the session is past its expiry at the given
// instant. A nil ExpiresAt never expires. This is the single source of truth
// for expiry; no caller duplicates the comparison.
func (s *Session) IsExpired(now time.Time) bool {
	if s.ExpiresAt == nil {
		return false
	}
	return !now.Before(*s.ExpiresAt)
}
