// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	sessionKeyPrefix = "session:"
	queueKeyPrefix   = "queue:"
	queueSeqKey      = "meta:queue_seq"

	// queueSeqBandwidth is how many sequence numbers badger leases at a time.
	// Small lease keeps gaps after a crash negligible for a local queue.
	queueSeqBandwidth = 16
)

// Config holds configuration for a BadgerStore.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes. The engine relies on every
	// committed mutation surviving a crash, so this defaults to true in
	// DefaultConfig.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection.
	// Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC runs.
	GCDiscardRatio float64

	// Logger receives BadgerDB's internal logging. If nil, it is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: durable sync writes and a
// five-minute GC cadence.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: in-memory, no sync, no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore implements Store on an embedded BadgerDB.
//
// Description:
//
//	Key layout:
//	  session:{id}        -> opaque session record bytes
//	  queue:{seq:016d}    -> JSON-encoded QueueItem
//	  meta:queue_seq      -> badger sequence state
//
//	Queue keys embed a store-assigned monotonic sequence so append order is
//	recoverable, but QueueItems still sorts logically by CreatedAt so FIFO
//	is a contract, not an accident of key order.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger

	closed atomic.Bool

	// GC lifecycle
	gcStop chan struct{}
	gcDone chan struct{}
	gcOnce sync.Once
}

// Open creates and opens a BadgerStore with the given configuration.
//
// Description:
//
//	Opens BadgerDB at the configured path (created if missing), or in
//	memory. Starts a background GC goroutine when GCInterval is positive
//	and the store is persistent.
//
// Inputs:
//   - cfg: Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//   - *BadgerStore: The opened store. Caller must Close when done.
//   - error: Non-nil if the path is invalid or the database cannot open.
//
// Thread Safety: The returned store is safe for concurrent use.
func Open(cfg Config) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	seq, err := db.GetSequence([]byte(queueSeqKey), queueSeqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open queue sequence: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		seq:    seq,
		logger: cfg.Logger,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	} else {
		close(s.gcDone)
	}

	return s, nil
}

// runGC triggers value log garbage collection on a fixed cadence.
func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				if s.logger != nil {
					s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// Close stops GC, releases the queue sequence, and closes the database.
// Safe to call multiple times.
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.gcOnce.Do(func() { close(s.gcStop) })
	<-s.gcDone
	if err := s.seq.Release(); err != nil && s.logger != nil {
		s.logger.Warn("release queue sequence", slog.String("error", err.Error()))
	}
	return s.db.Close()
}

func (s *BadgerStore) guard(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return ctx.Err()
}

func sessionKey(id string) []byte {
	return []byte(sessionKeyPrefix + id)
}

func queueKey(seq uint64) []byte {
	return fmt.Appendf(nil, "%s%016d", queueKeyPrefix, seq)
}

// PutSession writes or replaces the record for id.
func (s *BadgerStore) PutSession(ctx context.Context, id string, record []byte) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(id), record)
	})
}

// GetSession returns the record for id, or ErrNotFound.
func (s *BadgerStore) GetSession(ctx context.Context, id string) ([]byte, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	var record []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if err != nil {
			return err
		}
		record, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return record, nil
}

// DeleteSession removes the record for id. Returns ErrNotFound if absent.
func (s *BadgerStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(id)); err != nil {
			return err
		}
		return txn.Delete(sessionKey(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// ListSessions returns every stored session record.
func (s *BadgerStore) ListSessions(ctx context.Context) ([][]byte, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	var records [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			record, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return records, nil
}

// AppendQueueItem durably appends item with a fresh sequence number.
func (s *BadgerStore) AppendQueueItem(ctx context.Context, item QueueItem) (QueueItem, error) {
	if err := s.guard(ctx); err != nil {
		return QueueItem{}, err
	}
	seq, err := s.seq.Next()
	if err != nil {
		return QueueItem{}, fmt.Errorf("next queue sequence: %w", err)
	}
	item.Seq = seq

	encoded, err := json.Marshal(item)
	if err != nil {
		return QueueItem{}, fmt.Errorf("encode queue item: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queueKey(seq), encoded)
	})
	if err != nil {
		return QueueItem{}, fmt.Errorf("append queue item: %w", err)
	}
	return item, nil
}

// QueueItems returns all queue items in creation order.
func (s *BadgerStore) QueueItems(ctx context.Context) ([]QueueItem, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	var items []QueueItem
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queueKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var item QueueItem
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			})
			if err != nil {
				return fmt.Errorf("decode queue item %s: %w", it.Item().Key(), err)
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// FIFO is a logical guarantee: order by creation time, not key order.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].Seq < items[j].Seq
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// UpdateQueueItem rewrites an existing item in place.
func (s *BadgerStore) UpdateQueueItem(ctx context.Context, item QueueItem) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	encoded, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(queueKey(item.Seq)); err != nil {
			return err
		}
		return txn.Set(queueKey(item.Seq), encoded)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// DeleteQueueItem removes the item with the given id.
func (s *BadgerStore) DeleteQueueItem(ctx context.Context, id string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	items, err := s.QueueItems(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.ID == id {
			return s.db.Update(func(txn *badger.Txn) error {
				return txn.Delete(queueKey(item.Seq))
			})
		}
	}
	return ErrNotFound
}
