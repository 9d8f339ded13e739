// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage is the typed persistence layer over a blob sink.
//
// # Description
//
// Storage knows the key layout for tag pointers, instructions, feeds and
// bundles, and maintains a reverse index from producer tags to the
// consumer instructions that reference them.
//
// A missing key is never an error here: lookups return the documented
// absence value ("" for tags, nil for instructions, an empty feed). Any
// other sink failure is returned as *assets.StorageError.
//
// # Thread Safety
//
// Safe for concurrent use if the sink is. Nothing is transactional:
// SetInstruction writes index entries before the instruction itself, so a
// crash between the two leaves only a stale index entry, which readers
// filter out.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/assetpipe/pkg/assets"
	"github.com/AleutianAI/assetpipe/pkg/sink"
)

// Storage operation classes reported to an Observer.
const (
	MethodPersist  = "persist"
	MethodRetrieve = "retrieve"
	MethodExists   = "exists"
)

// Observer receives the duration of every sink call.
type Observer interface {
	ObserveStorage(method string, elapsed time.Duration, err error)
}

// Option configures a Storage.
type Option func(*Storage)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver installs a timing observer.
func WithObserver(o Observer) Option {
	return func(s *Storage) {
		s.observer = o
	}
}

// Storage is the typed view over a sink.Sink.
type Storage struct {
	sink     sink.Sink
	logger   *slog.Logger
	observer Observer
}

// New creates a Storage over s.
func New(s sink.Sink, opts ...Option) *Storage {
	st := &Storage{
		sink:   s,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Sink returns the underlying sink.
func (s *Storage) Sink() sink.Sink {
	return s.sink
}

// =============================================================================
// Sink access with timing and error translation
// =============================================================================

func (s *Storage) observe(method string, start time.Time, err error) {
	if s.observer != nil {
		s.observer.ObserveStorage(method, time.Since(start), err)
	}
}

// get returns (nil, false, nil) when key is absent.
func (s *Storage) get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	value, err := s.sink.Get(ctx, key)
	s.observe(MethodRetrieve, start, ignoreNotFound(err))
	if sink.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &assets.StorageError{Op: "get", Key: key, Err: err}
	}
	return value, true, nil
}

func (s *Storage) set(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := s.sink.Set(ctx, key, value)
	s.observe(MethodPersist, start, err)
	if err != nil {
		return &assets.StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *Storage) has(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := s.sink.Has(ctx, key)
	s.observe(MethodExists, start, err)
	if err != nil {
		return false, &assets.StorageError{Op: "has", Key: key, Err: err}
	}
	return ok, nil
}

func (s *Storage) list(ctx context.Context, prefix string) ([]sink.Entry, error) {
	start := time.Now()
	entries, err := s.sink.List(ctx, prefix)
	s.observe(MethodRetrieve, start, err)
	if err != nil {
		return nil, &assets.StorageError{Op: "list", Key: prefix, Err: err}
	}
	return entries, nil
}

func ignoreNotFound(err error) error {
	if sink.IsNotFound(err) {
		return nil
	}
	return err
}

// =============================================================================
// Tags
// =============================================================================

// GetTag returns the feed hash a tag points to, or "" if the tag has never
// been published.
func (s *Storage) GetTag(ctx context.Context, tag string, t assets.AssetType) (string, error) {
	value, ok, err := s.get(ctx, TagKey(tag, t))
	if err != nil || !ok {
		return "", err
	}
	return string(value), nil
}

// SetTag points tag at a feed hash. Last write wins.
func (s *Storage) SetTag(ctx context.Context, tag string, t assets.AssetType, hash string) error {
	return s.set(ctx, TagKey(tag, t), []byte(hash))
}

// HasTag reports whether tag has been published.
func (s *Storage) HasTag(ctx context.Context, tag string, t assets.AssetType) (bool, error) {
	return s.has(ctx, TagKey(tag, t))
}

// HasTags reports whether every tag has been published. An empty list is
// vacuously true.
func (s *Storage) HasTags(ctx context.Context, tags []string, t assets.AssetType) (bool, error) {
	for _, tag := range tags {
		ok, err := s.HasTag(ctx, tag, t)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// GetTags resolves each tag in order. The result has one entry per input
// tag, "" for tags that have not been published.
func (s *Storage) GetTags(ctx context.Context, tags []string, t assets.AssetType) ([]string, error) {
	hashes := make([]string, len(tags))
	for i, tag := range tags {
		hash, err := s.GetTag(ctx, tag, t)
		if err != nil {
			return nil, err
		}
		hashes[i] = hash
	}
	return hashes, nil
}

// =============================================================================
// Instructions
// =============================================================================

// SetInstruction stores the instruction for a consumer tag, replacing any
// previous one, and records a reverse index entry for every producer it
// names.
//
// # Description
//
// Index entries are written first. Entries left behind by a replaced
// instruction are not removed (sinks have no delete); GetInstructions
// filters them out on read.
//
// # Inputs
//
//   - tag, t: The consumer.
//   - ins: The instruction. Its Tag and Type are overwritten with tag and t.
func (s *Storage) SetInstruction(ctx context.Context, tag string, t assets.AssetType, ins assets.Instruction) error {
	ins.Tag = tag
	ins.Type = t
	if ins.Data == nil {
		ins.Data = []string{}
	}

	seen := make(map[string]struct{}, len(ins.Data))
	for _, producer := range ins.Data {
		if _, dup := seen[producer]; dup {
			continue
		}
		seen[producer] = struct{}{}
		if err := s.set(ctx, IndexKey(producer, tag, t), []byte(tag)); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(ins)
	if err != nil {
		return fmt.Errorf("encode instruction %s/%s: %w", t, tag, err)
	}
	return s.set(ctx, InstructionKey(tag, t), payload)
}

// GetInstruction returns the instruction for a consumer tag, or nil if none
// has been published.
func (s *Storage) GetInstruction(ctx context.Context, tag string, t assets.AssetType) (*assets.Instruction, error) {
	key := InstructionKey(tag, t)
	value, ok, err := s.get(ctx, key)
	if err != nil || !ok {
		return nil, err
	}

	var ins assets.Instruction
	if err := json.Unmarshal(value, &ins); err != nil {
		return nil, &assets.StorageError{Op: "decode", Key: key, Err: err}
	}
	return &ins, nil
}

// GetInstructions returns every current instruction of type t whose data
// contains producer, ordered by consumer tag.
//
// # Description
//
// Consumers are found through the reverse index, then each consumer's
// current instruction is loaded and checked for an exact match on
// producer. Stale index entries, left by instructions that no longer
// reference producer, are skipped.
func (s *Storage) GetInstructions(ctx context.Context, producer string, t assets.AssetType) ([]assets.Instruction, error) {
	entries, err := s.list(ctx, IndexPrefix(producer, t))
	if err != nil {
		return nil, err
	}

	out := make([]assets.Instruction, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		consumer := string(entry.Content)
		if _, dup := seen[consumer]; dup {
			continue
		}
		seen[consumer] = struct{}{}

		ins, err := s.GetInstruction(ctx, consumer, t)
		if err != nil {
			return nil, err
		}
		if ins == nil || !ins.DependsOn(producer) {
			s.logger.Debug("skipping stale instruction index entry",
				"producer", producer,
				"consumer", consumer,
				"type", t.String(),
			)
			continue
		}
		out = append(out, *ins)
	}
	return out, nil
}

// =============================================================================
// Feeds
// =============================================================================

// GetFeed returns the feed stored under hash, or an empty feed if absent.
func (s *Storage) GetFeed(ctx context.Context, hash string) (assets.Feed, error) {
	key := FeedKey(hash)
	value, ok, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return assets.Feed{}, nil
	}

	var feed assets.Feed
	if err := json.Unmarshal(value, &feed); err != nil {
		return nil, &assets.StorageError{Op: "decode", Key: key, Err: err}
	}
	if feed == nil {
		feed = assets.Feed{}
	}
	return feed, nil
}

// ReadFeed returns the stored bytes of a feed, or *assets.NotFoundError.
func (s *Storage) ReadFeed(ctx context.Context, hash string) ([]byte, error) {
	value, ok, err := s.get(ctx, FeedKey(hash))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, assets.NewNotFoundError("feed", assets.FeedFile(hash))
	}
	return value, nil
}

// HasFeed reports whether a feed is stored under hash.
func (s *Storage) HasFeed(ctx context.Context, hash string) (bool, error) {
	return s.has(ctx, FeedKey(hash))
}

// SetFeed stores content under hash. content should be the serialization
// the hash was computed from.
func (s *Storage) SetFeed(ctx context.Context, hash string, content []byte) error {
	return s.set(ctx, FeedKey(hash), content)
}

// =============================================================================
// Bundles
// =============================================================================

// HasBundle reports whether a bundle exists.
func (s *Storage) HasBundle(ctx context.Context, hash string, t assets.AssetType) (bool, error) {
	return s.has(ctx, BundleKey(hash, t))
}

// SetBundle stores bundle content. Bundles are immutable; writing the same
// hash twice stores identical content.
func (s *Storage) SetBundle(ctx context.Context, hash string, t assets.AssetType, content []byte) error {
	return s.set(ctx, BundleKey(hash, t), content)
}

// GetBundle returns bundle content, or *assets.NotFoundError.
func (s *Storage) GetBundle(ctx context.Context, hash string, t assets.AssetType) ([]byte, error) {
	value, ok, err := s.get(ctx, BundleKey(hash, t))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, assets.NewNotFoundError("bundle", assets.BundleFile(hash, t))
	}
	return value, nil
}
