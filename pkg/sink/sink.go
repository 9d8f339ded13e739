// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sink defines the key/value blob contract every storage backend
// implements, plus the in-memory and retrying implementations.
//
// # Description
//
// A Sink is an opaque blob store with four operations: Get, Set, Has and
// List. Backends live in sub-packages:
//
//   - sink/fs: local filesystem, atomic temp-file + rename writes
//   - sink/badger: embedded BadgerDB
//   - sink/gcs: Google Cloud Storage bucket
//   - sink/postgres: a single key/value table in PostgreSQL
//
// Sinks do not provide transactions. Every multi-step sequence built on top
// of them is best-effort and must tolerate interleaving with other writers.
//
// # Keys
//
// Keys are slash-separated paths. A leading slash is insignificant:
// "/tags/js/a.txt" and "tags/js/a.txt" address the same blob. Use
// NormalizeKey before handing a key to a backend.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
package sink

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
//
// Backends wrap or return it directly; callers test with errors.Is.
var ErrNotFound = errors.New("sink: key not found")

// Entry is one result of a List call.
type Entry struct {
	// Key is the normalized key (no leading slash).
	Key string

	// Content is the stored value.
	Content []byte
}

// Sink is the blob storage contract consumed by the storage layer.
type Sink interface {
	// Get returns the value stored under key, or an error wrapping
	// ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Has reports whether key exists.
	Has(ctx context.Context, key string) (bool, error)

	// List returns every entry whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// NormalizeKey strips leading slashes and collapses nothing else.
func NormalizeKey(key string) string {
	return strings.TrimLeft(key, "/")
}

// IsNotFound reports whether err signals a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
