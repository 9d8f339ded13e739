// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sinktest is a conformance suite every sink backend runs from its
// own tests.
package sinktest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/assetpipe/pkg/assets"
	"github.com/AleutianAI/assetpipe/pkg/sink"
	"github.com/AleutianAI/assetpipe/pkg/storage"
	"github.com/AleutianAI/assetpipe/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty sink for one subtest.
type Factory func(t *testing.T) sink.Sink

// Run executes the conformance suite against sinks produced by newSink.
func Run(t *testing.T, newSink Factory) {
	t.Helper()

	t.Run("GetMissingIsNotFound", func(t *testing.T) {
		s := newSink(t)
		_, err := s.Get(context.Background(), "does/not/exist.json")
		require.Error(t, err)
		assert.True(t, sink.IsNotFound(err), "expected ErrNotFound, got %v", err)
	})

	t.Run("SetThenGet", func(t *testing.T) {
		s := newSink(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "abc.json", []byte(`[{"id":"x"}]`)))

		got, err := s.Get(ctx, "abc.json")
		require.NoError(t, err)
		assert.Equal(t, `[{"id":"x"}]`, string(got))
	})

	t.Run("LongestTagKeys", func(t *testing.T) {
		s := newSink(t)
		ctx := context.Background()
		// Two-byte runes triple in size once path-escaped.
		producer := strings.Repeat("é", validation.MaxTagBytes/2)
		consumer := strings.Repeat("ü", validation.MaxTagBytes/2)

		tagKey := storage.TagKey(producer, assets.TypeJS)
		require.NoError(t, s.Set(ctx, tagKey, []byte("h")))
		got, err := s.Get(ctx, tagKey)
		require.NoError(t, err)
		assert.Equal(t, "h", string(got))

		require.NoError(t, s.Set(ctx, storage.IndexKey(producer, consumer, assets.TypeJS), []byte(consumer)))
		entries, err := s.List(ctx, storage.IndexPrefix(producer, assets.TypeJS))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, consumer, string(entries[0].Content))
	})

	t.Run("SetReplaces", func(t *testing.T) {
		s := newSink(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "tags/js/a.txt", []byte("one")))
		require.NoError(t, s.Set(ctx, "tags/js/a.txt", []byte("two")))

		got, err := s.Get(ctx, "tags/js/a.txt")
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))
	})

	t.Run("LeadingSlashInsignificant", func(t *testing.T) {
		s := newSink(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "/tags/css/p.txt", []byte("h")))

		ok, err := s.Has(ctx, "tags/css/p.txt")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Get(ctx, "/tags/css/p.txt")
		require.NoError(t, err)
		assert.Equal(t, "h", string(got))
	})

	t.Run("Has", func(t *testing.T) {
		s := newSink(t)
		ctx := context.Background()

		ok, err := s.Has(ctx, "x.js")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Set(ctx, "x.js", []byte("content")))
		ok, err = s.Has(ctx, "x.js")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("ListByPrefix", func(t *testing.T) {
		s := newSink(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "instructions/js/b.json", []byte("B")))
		require.NoError(t, s.Set(ctx, "instructions/js/a.json", []byte("A")))
		require.NoError(t, s.Set(ctx, "instructions/css/a.json", []byte("C")))
		require.NoError(t, s.Set(ctx, "tags/js/a.txt", []byte("T")))

		entries, err := s.List(ctx, "/instructions/js/")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "instructions/js/a.json", entries[0].Key)
		assert.Equal(t, "A", string(entries[0].Content))
		assert.Equal(t, "instructions/js/b.json", entries[1].Key)
		assert.Equal(t, "B", string(entries[1].Content))
	})

	t.Run("ListEmpty", func(t *testing.T) {
		s := newSink(t)
		entries, err := s.List(context.Background(), "nothing/here/")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("BinarySafe", func(t *testing.T) {
		s := newSink(t)
		ctx := context.Background()
		payload := []byte{0x00, 0xff, 0x10, '\n', 0x00}
		require.NoError(t, s.Set(ctx, "blob.bin", payload))

		got, err := s.Get(ctx, "blob.bin")
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("ConcurrentWritesDistinctKeys", func(t *testing.T) {
		s := newSink(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("concurrent/%02d.txt", i)
				assert.NoError(t, s.Set(ctx, key, []byte(key)))
			}(i)
		}
		wg.Wait()

		entries, err := s.List(ctx, "concurrent/")
		require.NoError(t, err)
		assert.Len(t, entries, 16)
	})
}
