// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package authority

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSign/services/signing/store"
)

func newTestAuthority(t *testing.T) (*Authority, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a := New(nil)
	router := gin.New()
	a.SetupRoutes(router)
	return a, router
}

func post(router *gin.Engine, action, sessionID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+action, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestReplicateLifecycle(t *testing.T) {
	a, router := newTestAuthority(t)

	w := post(router, "create", "s-1", `{"id":"s-1","status":"pending"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = post(router, "update", "s-1", `{"id":"s-1","status":"accepted"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = post(router, "complete", "s-1", `{"id":"s-1","status":"completed"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	ledger := a.Ledger()
	require.Len(t, ledger, 3)
	assert.Equal(t, store.ActionCreate, ledger[0].Action)
	assert.Equal(t, store.ActionUpdate, ledger[1].Action)
	assert.Equal(t, store.ActionComplete, ledger[2].Action)

	snap, ok := a.Session("s-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"s-1","status":"completed"}`, string(snap))
}

func TestReplicateRejections(t *testing.T) {
	tests := []struct {
		name    string
		action  string
		session string
		body    string
		status  int
	}{
		{name: "unknown action", action: "archive", body: `{"id":"s-1"}`, status: http.StatusNotFound},
		{name: "not json", action: "create", body: `nope`, status: http.StatusBadRequest},
		{name: "missing id", action: "create", body: `{"status":"pending"}`, status: http.StatusBadRequest},
		{name: "header mismatch", action: "create", session: "s-other", body: `{"id":"s-1"}`, status: http.StatusBadRequest},
		{name: "update before create", action: "update", body: `{"id":"s-unseen"}`, status: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, router := newTestAuthority(t)
			w := post(router, tt.action, tt.session, tt.body)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestFailNextInjectsStatuses(t *testing.T) {
	a, router := newTestAuthority(t)
	a.FailNext(http.StatusServiceUnavailable, http.StatusInternalServerError)

	assert.Equal(t, http.StatusServiceUnavailable, post(router, "create", "", `{"id":"s-1"}`).Code)
	assert.Equal(t, http.StatusInternalServerError, post(router, "create", "", `{"id":"s-1"}`).Code)
	// Injected failures exhausted; normal processing resumes.
	assert.Equal(t, http.StatusAccepted, post(router, "create", "", `{"id":"s-1"}`).Code)
	assert.Len(t, a.Ledger(), 1)
}

func TestGetSessionAndLedgerEndpoints(t *testing.T) {
	_, router := newTestAuthority(t)

	for i := 0; i < 2; i++ {
		w := post(router, "create", "", fmt.Sprintf(`{"id":"s-%d"}`, i))
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"s-1"}`, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions/missing", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/ledger", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
