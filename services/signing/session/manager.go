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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianSign/services/signing/crypto"
	"github.com/AleutianAI/AleutianSign/services/signing/store"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aleutian_sign_sessions_created_total",
		Help: "Total signing sessions created.",
	})
	statusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aleutian_sign_status_transitions_total",
		Help: "Total session status transitions, by target status.",
	}, []string{"to"})
	signaturesRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aleutian_sign_signatures_recorded_total",
		Help: "Total signatures recorded across all sessions.",
	})
)

// -----------------------------------------------------------------------------
// Wiring
// -----------------------------------------------------------------------------

// Enqueuer accepts replication work for eventual delivery to the signing
// authority. Implemented by syncq.Manager; kept as a local interface so the
// session layer can be tested with a stub queue.
type Enqueuer interface {
	// Enqueue records that a session snapshot must be replicated. The
	// payload is the serialized session record at the time of the change.
	Enqueue(ctx context.Context, sessionID string, action store.Action, payload json.RawMessage) error
}

// Config controls Manager behavior.
type Config struct {
	// DefaultTTL is applied to new sessions that do not set an explicit
	// expiry. Zero means sessions never expire by default.
	DefaultTTL time.Duration
}

// ApplyDefaults fills in zero-valued fields. The zero Config is usable as-is.
func (c *Config) ApplyDefaults() {}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.DefaultTTL < 0 {
		return fmt.Errorf("default TTL must be >= 0, got %v", c.DefaultTTL)
	}
	return nil
}

// Manager owns the lifecycle of signing sessions: creation, status
// transitions, signature capture, document recovery, and the audit chain
// that records all of it.
//
// Thread Safety: All methods are safe for concurrent use. Mutations on the
// same session are serialized through a per-session lock; different sessions
// proceed in parallel.
type Manager struct {
	store    store.Store
	provider crypto.Provider
	queue    Enqueuer
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer

	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the manager's time source. Intended for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager wires a session manager over its storage, crypto, and
// replication dependencies.
func NewManager(st store.Store, provider crypto.Provider, queue Enqueuer, cfg Config, logger *slog.Logger, opts ...ManagerOption) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session manager config: %w", err)
	}
	if st == nil || provider == nil || queue == nil {
		return nil, errors.New("session manager requires store, provider, and queue")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:    st,
		provider: provider,
		queue:    queue,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "session_manager")),
		tracer:   otel.Tracer("signing.session"),
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// sessionLock returns the mutation gate for one session ID. Locks are never
// reclaimed; the map grows with the set of sessions touched by this process,
// which is bounded by the local store.
func (m *Manager) sessionLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// -----------------------------------------------------------------------------
// Creation
// -----------------------------------------------------------------------------

// CreateOption customizes a single CreateSession call.
type CreateOption func(*createOpts)

type createOpts struct {
	ttl time.Duration
}

// WithTTL sets an explicit lifetime for the new session, overriding the
// manager's default.
func WithTTL(ttl time.Duration) CreateOption {
	return func(o *createOpts) { o.ttl = ttl }
}

// CreateSession ingests a document and opens a signing session around it.
//
// Description:
//
//	Hashes the document to derive its identity, generates a fresh session
//	key, encrypts the document at rest, seeds the audit chain with the
//	ingestion event, persists the session, and queues the create action
//	for replication.
//
// Inputs:
//   - ctx: Cancellation and tracing context.
//   - document: Raw document bytes. May be empty.
//   - recipients: Parties on the session, signers and observers.
//   - fields: Placement of signature fields on the document.
//
// Outputs:
//   - *Session: The persisted session in StatusPending.
//   - error: Validation, crypto, storage, or queueing failure.
func (m *Manager) CreateSession(ctx context.Context, document []byte, recipients []Recipient, fields []SignatureField, opts ...CreateOption) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "CreateSession")
	defer span.End()

	co := createOpts{ttl: m.cfg.DefaultTTL}
	for _, opt := range opts {
		opt(&co)
	}

	hash := m.provider.Hash(document)
	key, err := m.provider.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	defer key.Destroy()

	ciphertext, nonce, err := m.provider.Encrypt(key, document)
	if err != nil {
		return nil, fmt.Errorf("encrypt document: %w", err)
	}
	keyBytes, err := key.Export()
	if err != nil {
		return nil, fmt.Errorf("export session key: %w", err)
	}

	now := m.now().UTC()
	s := &Session{
		ID:           uuid.NewString(),
		DocumentHash: hash,
		Ciphertext:   ciphertext,
		Nonce:        nonce,
		DocumentKey:  keyBytes,
		Recipients:   recipients,
		Fields:       fields,
		Signatures:   make(map[string]RecordedSignature),
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if co.ttl > 0 {
		exp := now.Add(co.ttl)
		s.ExpiresAt = &exp
	}
	s.appendAudit(ActionDocumentUploaded, ActorSystem, now)

	record, err := m.persist(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := m.queue.Enqueue(ctx, s.ID, store.ActionCreate, record); err != nil {
		return nil, fmt.Errorf("enqueue create: %w", err)
	}

	sessionsCreatedTotal.Inc()
	span.SetAttributes(attribute.String("session.id", s.ID))
	m.logger.InfoContext(ctx, "session created",
		slog.String("session_id", s.ID),
		slog.String("document_hash", hash),
		slog.Int("recipients", len(recipients)),
		slog.Int("fields", len(fields)),
	)
	return s, nil
}

// -----------------------------------------------------------------------------
// Lookup
// -----------------------------------------------------------------------------

// GetSession loads one session by ID. Returns ErrSessionNotFound for an
// unknown ID.
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	record, err := m.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(record, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if s.Signatures == nil {
		s.Signatures = make(map[string]RecordedSignature)
	}
	return &s, nil
}

// ListSessions loads every stored session.
func (m *Manager) ListSessions(ctx context.Context) ([]*Session, error) {
	records, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]*Session, 0, len(records))
	for _, record := range records {
		var s Session
		if err := json.Unmarshal(record, &s); err != nil {
			return nil, fmt.Errorf("decode session record: %w", err)
		}
		if s.Signatures == nil {
			s.Signatures = make(map[string]RecordedSignature)
		}
		out = append(out, &s)
	}
	return out, nil
}

// GetSignature returns the recorded signature for a field, with found=false
// when the field has not been signed. An unknown session is an error; an
// unsigned field is not.
func (m *Manager) GetSignature(ctx context.Context, id, fieldID string) (RecordedSignature, bool, error) {
	s, err := m.GetSession(ctx, id)
	if err != nil {
		return RecordedSignature{}, false, err
	}
	sig, ok := s.Signatures[fieldID]
	return sig, ok, nil
}

// GetDocument decrypts and returns the original document bytes for a
// session.
func (m *Manager) GetDocument(ctx context.Context, id string) ([]byte, error) {
	ctx, span := m.tracer.Start(ctx, "GetDocument")
	defer span.End()

	s, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	key, err := crypto.NewKeyFromBytes(s.DocumentKey)
	if err != nil {
		return nil, fmt.Errorf("load session key: %w", err)
	}
	defer key.Destroy()

	plaintext, err := m.provider.Decrypt(key, s.Ciphertext, s.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decrypt document for session %s: %w", id, err)
	}
	if got := m.provider.Hash(plaintext); got != s.DocumentHash {
		return nil, fmt.Errorf("document hash mismatch for session %s: stored %s, recovered %s", id, s.DocumentHash, got)
	}
	return plaintext, nil
}

// -----------------------------------------------------------------------------
// Mutation
// -----------------------------------------------------------------------------

// UpdateStatus transitions a session to a new status.
//
// Description:
//
//	Applies the session state machine: only transitions permitted from the
//	current status are accepted, and terminal statuses accept none. On
//	success the change is recorded in the audit chain and the updated
//	snapshot is queued for replication — the complete action for
//	completion, the update action otherwise.
//
// Outputs:
//   - *Session: The session after the transition.
//   - error: ErrSessionNotFound, ErrInvalidTransition, or a storage or
//     queueing failure.
func (m *Manager) UpdateStatus(ctx context.Context, id string, to Status, actor string) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "UpdateStatus",
		trace.WithAttributes(attribute.String("session.id", id), attribute.String("session.to", string(to))))
	defer span.End()

	lock := m.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if !CanTransition(s.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	if actor == "" {
		actor = ActorSystem
	}

	now := m.now().UTC()
	from := s.Status
	s.Status = to
	s.UpdatedAt = now
	s.appendAudit(StatusChangedAction(to), actor, now)

	record, err := m.persist(ctx, s)
	if err != nil {
		return nil, err
	}
	action := store.ActionUpdate
	if to == StatusCompleted {
		action = store.ActionComplete
	}
	if err := m.queue.Enqueue(ctx, s.ID, action, record); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", action, err)
	}

	statusTransitionsTotal.WithLabelValues(string(to)).Inc()
	m.logger.InfoContext(ctx, "session status changed",
		slog.String("session_id", s.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("actor", actor),
	)
	return s, nil
}

// RecordSignature captures a signature for one field of a session.
//
// Description:
//
//	Upserts the signature for the field: re-signing a field replaces the
//	previous capture, last write wins. Signatures are accepted only while
//	the session is pending or accepted, and only for fields that exist on
//	the session. An elapsed expiry is enforced here even before the expiry
//	watcher has transitioned the session.
//
// Outputs:
//   - *Session: The session including the new signature.
//   - error: ErrSessionNotFound, ErrSessionExpired, ErrInvalidState,
//     ErrFieldNotFound, or a storage or queueing failure.
func (m *Manager) RecordSignature(ctx context.Context, id, fieldID string, sig SignatureData) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "RecordSignature",
		trace.WithAttributes(attribute.String("session.id", id), attribute.String("field.id", fieldID)))
	defer span.End()

	lock := m.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if s.IsExpired(now) {
		return nil, fmt.Errorf("%w: session %s", ErrSessionExpired, id)
	}
	if s.Status != StatusPending && s.Status != StatusAccepted {
		return nil, fmt.Errorf("%w: cannot sign in status %s", ErrInvalidState, s.Status)
	}
	if _, ok := s.Field(fieldID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, fieldID)
	}
	if len(sig.Payload) == 0 {
		return nil, errors.New("signature payload must not be empty")
	}

	actor := sig.SignerID
	if actor == "" {
		actor = ActorSystem
	}
	s.Signatures[fieldID] = RecordedSignature{
		FieldID:   fieldID,
		Kind:      sig.Kind,
		Payload:   sig.Payload,
		Timestamp: now,
		SignerID:  sig.SignerID,
	}
	s.UpdatedAt = now
	s.appendAudit(ActionSignatureApplied, actor, now)

	record, err := m.persist(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := m.queue.Enqueue(ctx, s.ID, store.ActionUpdate, record); err != nil {
		return nil, fmt.Errorf("enqueue update: %w", err)
	}

	signaturesRecordedTotal.Inc()
	m.logger.InfoContext(ctx, "signature recorded",
		slog.String("session_id", s.ID),
		slog.String("field_id", fieldID),
		slog.String("signer_id", sig.SignerID),
	)
	return s, nil
}

// DeleteSession removes a session and its encrypted document from the local
// store. The replication queue is left untouched; items already queued for
// the session still drain.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	lock := m.sessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.DeleteSession(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	m.logger.InfoContext(ctx, "session deleted", slog.String("session_id", id))
	return nil
}

// VerifyAudit loads a session and checks its audit chain end to end.
func (m *Manager) VerifyAudit(ctx context.Context, id string) error {
	s, err := m.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return VerifyChain(s)
}

// persist serializes the session and writes it to the store, returning a
// replication snapshot for the sync queue. The snapshot carries the sealed
// payload but never DocumentKey: the key stays inside the local store, so
// the authority (and any exported queue envelope) holds ciphertext it
// cannot open.
func (m *Manager) persist(ctx context.Context, s *Session) (json.RawMessage, error) {
	record, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	if err := m.store.PutSession(ctx, s.ID, record); err != nil {
		return nil, fmt.Errorf("persist session %s: %w", s.ID, err)
	}
	redacted := *s
	redacted.DocumentKey = nil
	snapshot, err := json.Marshal(&redacted)
	if err != nil {
		return nil, fmt.Errorf("encode session snapshot %s: %w", s.ID, err)
	}
	return snapshot, nil
}
