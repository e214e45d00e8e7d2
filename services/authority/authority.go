// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package authority is a reference signing authority: the upstream service
// the sync queue replicates into. It keeps an in-memory ledger of received
// session snapshots, which is enough to run the engine end to end on one
// machine and to exercise failure paths in tests.
package authority

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianSign/services/signing/store"
)

// Receipt is one replicated mutation as the authority recorded it.
type Receipt struct {
	SessionID  string          `json:"session_id"`
	Action     store.Action    `json:"action"`
	ItemID     string          `json:"item_id"`
	Snapshot   json.RawMessage `json:"snapshot"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Authority accepts replicated session mutations and keeps them in order of
// arrival, newest snapshot per session retrievable by ID.
//
// Thread Safety: Safe for concurrent use.
type Authority struct {
	logger *slog.Logger

	mu       sync.Mutex
	ledger   []Receipt
	sessions map[string]json.RawMessage

	// failures holds injected responses, consumed one per request. Used by
	// tests and by `signctl run --flaky` demos.
	failures []int
}

// New builds an empty authority.
func New(logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{
		logger:   logger.With(slog.String("component", "authority")),
		sessions: make(map[string]json.RawMessage),
	}
}

// FailNext queues HTTP status codes to return for upcoming replication
// requests, one per request, before normal processing resumes.
func (a *Authority) FailNext(statuses ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, statuses...)
}

// Ledger returns a copy of every receipt in arrival order.
func (a *Authority) Ledger() []Receipt {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Receipt(nil), a.ledger...)
}

// Session returns the latest replicated snapshot for one session.
func (a *Authority) Session(id string) (json.RawMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap, ok := a.sessions[id]
	return snap, ok
}

// SetupRoutes registers the authority's endpoints on a gin router.
func (a *Authority) SetupRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	{
		v1.POST("/sessions/:action", a.handleReplicate)
		v1.GET("/sessions/:id", a.handleGetSession)
		v1.GET("/ledger", a.handleLedger)
	}
}

func (a *Authority) handleReplicate(c *gin.Context) {
	action := store.Action(c.Param("action"))
	if !action.Valid() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown action"})
		return
	}

	a.mu.Lock()
	if len(a.failures) > 0 {
		status := a.failures[0]
		a.failures = a.failures[1:]
		a.mu.Unlock()
		c.JSON(status, gin.H{"error": "injected failure"})
		return
	}
	a.mu.Unlock()

	var snapshot json.RawMessage
	if err := c.ShouldBindJSON(&snapshot); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON session snapshot"})
		return
	}
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(snapshot, &envelope); err != nil || envelope.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "snapshot missing session id"})
		return
	}
	if hdr := c.GetHeader("X-Session-ID"); hdr != "" && hdr != envelope.ID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session id header does not match snapshot"})
		return
	}

	receipt := Receipt{
		SessionID:  envelope.ID,
		Action:     action,
		ItemID:     c.GetHeader("X-Item-ID"),
		Snapshot:   snapshot,
		ReceivedAt: time.Now().UTC(),
	}

	a.mu.Lock()
	if _, known := a.sessions[envelope.ID]; !known && action != store.ActionCreate {
		a.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "session has no create on record"})
		return
	}
	a.ledger = append(a.ledger, receipt)
	a.sessions[envelope.ID] = snapshot
	a.mu.Unlock()

	a.logger.Info("mutation recorded",
		slog.String("session_id", envelope.ID),
		slog.String("action", string(action)),
	)
	c.JSON(http.StatusAccepted, gin.H{"session_id": envelope.ID})
}

func (a *Authority) handleGetSession(c *gin.Context) {
	snap, ok := a.Session(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	c.Data(http.StatusOK, "application/json", snap)
}

func (a *Authority) handleLedger(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"receipts": a.Ledger()})
}
