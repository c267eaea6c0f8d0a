// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists conductor state in an embedded BadgerDB.
//
// Collections are key prefixes; values are JSON. Multi-record mutations
// that must be atomic (phase completion, status transitions with queue
// mirrors) run inside a single read-write transaction.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes per collection. A trailing slash keeps prefix scans from
// bleeding across collections.
const (
	prefixTask        = "task/"
	prefixStory       = "story/"
	prefixCheckpoint  = "checkpoint/"
	prefixExecution   = "execution/"
	prefixToolCall    = "toolcall/"
	prefixVulnerab    = "vulnerability/"
	prefixApprovalLog = "approval_log/"
	prefixJob         = "job/"
	prefixActivity    = "activity/"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Config holds storage configuration.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory.
	Path string

	// InMemory enables a non-persistent database for testing.
	InMemory bool

	// SyncWrites forces fsync on commit. On by default in production.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration

	// Logger receives BadgerDB's internal messages. Nil disables them.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
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

// Store is the durable state layer.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	db     *badger.DB
	seq    atomic.Uint64
	stopGC chan struct{}
	doneGC chan struct{}
}

// Open opens (or creates) the database.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error  - Non-nil if the path is invalid or the database cannot open.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("store: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.Logger)
	}
	return s, nil
}

// OpenInMemory opens a throwaway store for tests.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

// Close stops GC and closes the database. Safe to call once.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration, logger *slog.Logger) {
	defer close(s.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && logger != nil {
				logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// WithTxn executes fn inside a read-write transaction. Commits when fn
// returns nil, discards otherwise.
func (s *Store) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn executes fn inside a read-only transaction.
func (s *Store) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := s.db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// nextSeqKey returns a lexically ordered key suffix: millisecond
// timestamp plus a process-local counter to break ties.
func (s *Store) nextSeqKey() string {
	return fmt.Sprintf("%013d-%08d", time.Now().UnixMilli(), s.seq.Add(1))
}

// =============================================================================
// Generic JSON record helpers
// =============================================================================

func putJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := txn.Set([]byte(key), data); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func getJSON(txn *badger.Txn, key string, out any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, out); err != nil {
			return fmt.Errorf("unmarshal %s: %w", key, err)
		}
		return nil
	})
}

// listJSON scans a prefix in key order and decodes each value into a
// fresh T, appending to the returned slice.
func listJSON[T any](txn *badger.Txn, prefix string) ([]T, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []T
	for it.Rewind(); it.Valid(); it.Next() {
		var v T
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", it.Item().Key(), err)
		}
		out = append(out, v)
	}
	return out, nil
}
