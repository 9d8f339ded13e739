// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fs stores blobs as files under a root directory.
//
// Keys map directly onto relative paths. Writes go to a temporary file in
// the destination directory and are renamed into place, so readers never
// observe a partially written blob.
package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/assetpipe/pkg/sink"
)

// Sink is a filesystem-backed sink.Sink.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent writers to the same key race; the
// last rename wins and readers see one complete value or the other.
type Sink struct {
	root string
}

// New creates a filesystem sink rooted at dir, creating it if needed.
//
// # Inputs
//
//   - dir: Root directory. Must be non-empty.
//
// # Outputs
//
//   - *Sink: Ready to use.
//   - error: Non-nil if dir is empty or cannot be created.
func New(dir string) (*Sink, error) {
	if dir == "" {
		return nil, errors.New("fs sink: root directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("fs sink: resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("fs sink: create %s: %w", abs, err)
	}
	return &Sink{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Sink) Root() string {
	return s.root
}

// path resolves key below root and rejects escapes via "..".
func (s *Sink) path(key string) (string, error) {
	key = sink.NormalizeKey(key)
	if key == "" {
		return "", errors.New("fs sink: empty key")
	}
	p := filepath.Join(s.root, filepath.FromSlash(key))
	if p != s.root && !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("fs sink: key %q escapes root", key)
	}
	return p, nil
}

// Get implements sink.Sink.
func (s *Sink) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, iofs.ErrNotExist) {
		return nil, fmt.Errorf("get %q: %w", key, sink.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fs sink: read %s: %w", p, err)
	}
	return data, nil
}

// Set implements sink.Sink.
func (s *Sink) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("fs sink: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(p)+"-*")
	if err != nil {
		return fmt.Errorf("fs sink: temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("fs sink: write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("fs sink: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		cleanup()
		return fmt.Errorf("fs sink: rename into %s: %w", p, err)
	}
	return nil
}

// Has implements sink.Sink.
func (s *Sink) Has(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, iofs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fs sink: stat %s: %w", p, err)
	}
	return !info.IsDir(), nil
}

// List implements sink.Sink.
//
// The prefix is matched against full keys, not directory names, so
// "instructions/js/ab" matches "instructions/js/abc.json".
func (s *Sink) List(ctx context.Context, prefix string) ([]sink.Entry, error) {
	prefix = sink.NormalizeKey(prefix)

	// Walk from the deepest directory fully named by the prefix.
	start := s.root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		start = filepath.Join(s.root, filepath.FromSlash(prefix[:i]))
	}

	entries := make([]sink.Entry, 0)
	err := filepath.WalkDir(start, func(p string, d iofs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, iofs.ErrNotExist) {
				return iofs.SkipDir
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		entries = append(entries, sink.Entry{Key: key, Content: data})
		return nil
	})
	if err != nil && !errors.Is(err, iofs.SkipDir) {
		return nil, fmt.Errorf("fs sink: list %q: %w", prefix, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

var _ sink.Sink = (*Sink)(nil)
