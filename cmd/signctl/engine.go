// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/AleutianAI/AleutianSign/services/signing/crypto"
	"github.com/AleutianAI/AleutianSign/services/signing/events"
	"github.com/AleutianAI/AleutianSign/services/signing/expiry"
	"github.com/AleutianAI/AleutianSign/services/signing/session"
	"github.com/AleutianAI/AleutianSign/services/signing/store"
	"github.com/AleutianAI/AleutianSign/services/signing/syncq"
	"github.com/AleutianAI/AleutianSign/services/signing/transport"
)

// engine is the fully wired signing stack behind every signctl command.
type engine struct {
	store    *store.BadgerStore
	bus      *events.Bus
	sessions *session.Manager
	sync     *syncq.Manager
	expiry   *expiry.Watcher
}

// openEngine wires the stack from the loaded config. The caller must close
// it; close order matters because the sync manager drains into the store.
func openEngine() (*engine, error) {
	st, err := store.Open(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := events.NewBus(events.WithLogger(logger.Slog()))

	tc, err := cfg.TransportConfig()
	if err != nil {
		st.Close()
		return nil, err
	}
	replicator, err := transport.NewHTTPReplicator(tc, logger.Slog())
	if err != nil {
		st.Close()
		return nil, err
	}

	syncMgr, err := syncq.NewManager(st, replicator, bus, cfg.SyncConfig(), logger.Slog())
	if err != nil {
		st.Close()
		return nil, err
	}

	sessions, err := session.NewManager(st, crypto.NewProvider(), syncMgr, cfg.SessionConfig(), logger.Slog())
	if err != nil {
		st.Close()
		return nil, err
	}

	watcher, err := expiry.NewWatcher(sessions, bus, cfg.ExpiryConfig(), logger.Slog())
	if err != nil {
		st.Close()
		return nil, err
	}

	return &engine{
		store:    st,
		bus:      bus,
		sessions: sessions,
		sync:     syncMgr,
		expiry:   watcher,
	}, nil
}

func (e *engine) close() {
	e.expiry.Stop()
	e.sync.Stop()
	if err := e.store.Close(); err != nil {
		logger.Warn("store close failed", "error", err.Error())
	}
}
