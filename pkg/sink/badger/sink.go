// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/assetpipe/pkg/sink"
	"github.com/dgraph-io/badger/v4"
)

// Sink is a sink.Sink backed by BadgerDB.
//
// # Description
//
// Keys are stored normalized (no leading slash). List uses a prefix
// iterator inside a read-only transaction, so it observes a consistent
// snapshot.
//
// # Thread Safety
//
// Safe for concurrent use.
type Sink struct {
	db       *badger.DB
	gc       *gcRunner
	inMemory bool
}

// Open opens a Badger sink.
//
// # Inputs
//
//   - cfg: Configuration. Dir is required unless InMemory is set.
//
// # Outputs
//
//   - *Sink: The open sink. Caller must call Close.
//   - error: Non-nil if the database cannot be opened.
func Open(cfg Config) (*Sink, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	s := &Sink{db: db, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("badger sink: gc runner: %w", err)
		}
		s.gc = runner
		runner.start()
	}
	return s, nil
}

// OpenInMemory opens an in-memory sink for tests.
func OpenInMemory() (*Sink, error) {
	return Open(InMemoryConfig())
}

// Close stops garbage collection and closes the database.
func (s *Sink) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// Get implements sink.Sink.
func (s *Sink) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key = sink.NormalizeKey(key)

	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("get %q: %w", key, sink.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("badger sink: get %q: %w", key, err)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// Set implements sink.Sink.
func (s *Sink) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key = sink.NormalizeKey(key)

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), append([]byte(nil), value...))
	})
	if err != nil {
		return fmt.Errorf("badger sink: set %q: %w", key, err)
	}
	return nil
}

// Has implements sink.Sink.
func (s *Sink) Has(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key = sink.NormalizeKey(key)

	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger sink: has %q: %w", key, err)
	}
	return true, nil
}

// List implements sink.Sink.
func (s *Sink) List(ctx context.Context, prefix string) ([]sink.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := []byte(sink.NormalizeKey(prefix))

	entries := make([]sink.Entry, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, sink.Entry{
				Key:     string(item.KeyCopy(nil)),
				Content: value,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger sink: list %q: %w", prefix, err)
	}
	return entries, nil
}

var _ sink.Sink = (*Sink)(nil)
