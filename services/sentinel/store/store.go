// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides the durable state store for the sentinel control
// plane, backed by BadgerDB.
//
// The kill switch and safe-mode controllers persist their state here so a
// restart cannot silently clear an emergency stop. Records are JSON-encoded
// under stable keys; corruption on read is reported as ErrCorruptRecord so
// callers can fall back to safe defaults loudly instead of crashing.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// Sentinel errors returned by the store.
var (
	// ErrNotFound indicates no record exists under the key.
	ErrNotFound = errors.New("store: record not found")

	// ErrCorruptRecord indicates a record exists but cannot be decoded.
	ErrCorruptRecord = errors.New("store: corrupt record")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store: closed")
)

// Config configures the Store.
type Config struct {
	// Path is the on-disk database directory. Ignored when InMemory.
	Path string

	// InMemory keeps all data in memory. Used by tests and the self-test
	// harness.
	InMemory bool

	// SyncWrites forces an fsync on every write. Safety state is small
	// and rarely written, so the durability is worth the latency.
	SyncWrites bool

	// Logger for store lifecycle events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the production configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
	}
}

// InMemoryConfig returns an ephemeral configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store is a JSON record store over BadgerDB.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens the store.
//
// Inputs:
//
//	cfg - Store configuration.
//
// Outputs:
//
//	*Store - The opened store.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "store"))

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("store: path required for on-disk store")
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Path, err)
	}

	logger.Info("store opened",
		slog.Bool("in_memory", cfg.InMemory),
		slog.String("path", cfg.Path),
	)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutRecord JSON-encodes v and writes it under key.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) PutRecord(key string, v any) error {
	if s.db.IsClosed() {
		return ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record %q: %w", key, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("write record %q: %w", key, err)
	}
	return nil
}

// GetRecord reads the record under key and decodes it into out.
//
// Outputs:
//
//	error - ErrNotFound if no record exists; ErrCorruptRecord (wrapped)
//	        if the stored bytes cannot be decoded into out.
func (s *Store) GetRecord(key string, out any) error {
	if s.db.IsClosed() {
		return ErrClosed
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read record %q: %w", key, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrCorruptRecord, key, err)
	}
	return nil
}

// DeleteRecord removes the record under key. Deleting a missing key is
// not an error.
func (s *Store) DeleteRecord(key string) error {
	if s.db.IsClosed() {
		return ErrClosed
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete record %q: %w", key, err)
	}
	return nil
}

// ListPrefix returns the raw JSON values of all records whose key starts
// with prefix, keyed by full key.
func (s *Store) ListPrefix(prefix string) (map[string]json.RawMessage, error) {
	if s.db.IsClosed() {
		return nil, ErrClosed
	}

	out := make(map[string]json.RawMessage)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[key] = json.RawMessage(val)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list prefix %q: %w", prefix, err)
	}
	return out, nil
}
