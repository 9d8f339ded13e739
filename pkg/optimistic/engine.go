// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package optimistic keeps bundles in step with the feeds and
// instructions they are built from.
//
// # Description
//
// Producers publish feeds under a tag. Consumers publish instructions
// naming the producer tags they want combined. Whenever either side
// changes, the engine builds the consumer's bundle if, and only if, every
// producer tag it names has a feed. Incomplete instructions are not an
// error; they simply wait for the missing feeds.
//
// Bundles are keyed by the ordered hashes of their input feeds, so a
// bundle is built at most once per distinct input and never rebuilt when
// an identical feed is republished. Old bundles are kept.
//
// # Thread Safety
//
// Engine is safe for concurrent use. There is no global lock: concurrent
// builds of the same bundle are collapsed in-process and are idempotent
// across processes. Two concurrent publishes to the same tag race on the
// tag pointer and the last write wins.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/assetpipe/pkg/assets"
	"github.com/AleutianAI/assetpipe/pkg/bundler"
	"github.com/AleutianAI/assetpipe/pkg/contentaddress"
	"github.com/AleutianAI/assetpipe/pkg/storage"
	"github.com/AleutianAI/assetpipe/pkg/validation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultFanoutConcurrency bounds parallel rebuilds during a rebundle.
const DefaultFanoutConcurrency = 4

// Config holds optional engine collaborators.
type Config struct {
	// Hasher addresses feeds and bundles. Default: SHA-256.
	Hasher *contentaddress.Hasher

	// FallbackBundles stores a single-feed bundle at <feedHash>.<type> on
	// every publish, so a producer's assets are servable on their own.
	FallbackBundles bool

	// FanoutConcurrency bounds parallel rebuilds. Default: 4.
	FanoutConcurrency int

	// Logger. Default: slog.Default().
	Logger *slog.Logger

	// Metrics. Default: NopMetrics.
	Metrics Metrics

	// Tracer. Default: the global otel tracer provider.
	Tracer trace.Tracer
}

// AssetsRequest publishes a feed under a producer tag.
type AssetsRequest struct {
	Tag  string
	Type assets.AssetType
	Data assets.Feed
}

// InstructionRequest publishes a consumer's bundling instruction.
type InstructionRequest struct {
	Tag  string
	Type assets.AssetType
	Data []string
}

// Engine is the reconciliation engine.
type Engine struct {
	storage *storage.Storage
	bundler bundler.Bundler
	hasher  *contentaddress.Hasher
	cfg     Config
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer

	inflight singleflight.Group
}

// New creates an engine over st using b to build bundles.
func New(st *storage.Storage, b bundler.Bundler, cfg Config) *Engine {
	if cfg.Hasher == nil {
		cfg.Hasher = contentaddress.Default()
	}
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = DefaultFanoutConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("assetpipe/optimistic")
	}
	return &Engine{
		storage: st,
		bundler: b,
		hasher:  cfg.Hasher,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "optimistic"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}
}

// Hasher returns the engine's content hasher.
func (e *Engine) Hasher() *contentaddress.Hasher {
	return e.hasher
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "optimistic."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// =============================================================================
// Publishing
// =============================================================================

// PublishAssets stores a producer's feed and rebuilds every bundle that
// depends on the producer's tag.
//
// # Description
//
//  1. The feed is hashed from its canonical serialization.
//  2. The feed is stored under its hash unless already present. The
//     fallback single-feed bundle is stored alongside when enabled.
//  3. If opts.Rebundle, the tag pointer is advanced to the hash and every
//     instruction naming the tag is reconciled.
//
// # Inputs
//
//   - req: Tag and Type are required. Data may be empty but not nil.
//   - opts: Minify/SourceMaps are forwarded to the bundler.
//
// # Outputs
//
//   - assets.PublishResult: {ID: hash, File: "<hash>.json"}.
//   - error: *assets.ValidationError before any write; otherwise a storage
//     or bundling error. Feed bytes written before the failure remain.
func (e *Engine) PublishAssets(ctx context.Context, req AssetsRequest, opts assets.Options) (result assets.PublishResult, err error) {
	start := time.Now()
	ctx, span := e.startSpan(ctx, "PublishAssets",
		attribute.String("tag", req.Tag),
		attribute.String("type", req.Type.String()),
		attribute.Int("modules", len(req.Data)),
	)
	defer func() {
		e.metrics.ObservePublish(OpPublishAssets, req.Type, time.Since(start), err)
		endSpan(span, err)
	}()

	if err := validateTag(req.Tag, req.Type); err != nil {
		return assets.PublishResult{}, err
	}
	if req.Data == nil {
		return assets.PublishResult{}, assets.NewValidationError("data", "required")
	}

	hash, err := e.saveFeed(ctx, req.Data, req.Type, opts)
	if err != nil {
		return assets.PublishResult{}, err
	}
	span.SetAttributes(attribute.String("feed_hash", hash))

	if opts.Rebundle {
		if err := e.storage.SetTag(ctx, req.Tag, req.Type, hash); err != nil {
			return assets.PublishResult{}, err
		}
		if err := e.Rebundle(ctx, req.Tag, req.Type, opts); err != nil {
			return assets.PublishResult{}, err
		}
	}

	e.logger.Info("assets published",
		"tag", req.Tag,
		"type", req.Type.String(),
		"feed", hash,
		"rebundle", opts.Rebundle,
	)
	return assets.PublishResult{ID: hash, File: assets.FeedFile(hash)}, nil
}

// UploadFeed stores a feed content-addressed without touching any tag.
func (e *Engine) UploadFeed(ctx context.Context, t assets.AssetType, feed assets.Feed, opts assets.Options) (result assets.PublishResult, err error) {
	start := time.Now()
	ctx, span := e.startSpan(ctx, "UploadFeed", attribute.String("type", t.String()))
	defer func() {
		e.metrics.ObservePublish(OpUploadFeed, t, time.Since(start), err)
		endSpan(span, err)
	}()

	if !t.Valid() {
		return assets.PublishResult{}, assets.NewValidationError("type", fmt.Sprintf("unsupported asset type %q", t))
	}
	if feed == nil {
		return assets.PublishResult{}, assets.NewValidationError("data", "required")
	}

	hash, err := e.saveFeed(ctx, feed, t, opts)
	if err != nil {
		return assets.PublishResult{}, err
	}
	return assets.PublishResult{ID: hash, File: assets.FeedFile(hash)}, nil
}

// saveFeed persists a feed, and its fallback bundle when enabled, and
// returns the feed hash.
func (e *Engine) saveFeed(ctx context.Context, feed assets.Feed, t assets.AssetType, opts assets.Options) (string, error) {
	canonical, err := contentaddress.Canonicalize(feed)
	if err != nil {
		return "", assets.NewValidationError("data", err.Error())
	}
	hash := e.hasher.HashBytes(canonical)

	exists, err := e.storage.HasFeed(ctx, hash)
	if err != nil {
		return "", err
	}
	if exists {
		e.logger.Debug("feed already stored, skipping write", "feed", hash)
	} else if err := e.storage.SetFeed(ctx, hash, canonical); err != nil {
		return "", err
	}
	if e.cfg.FallbackBundles {
		if err := e.saveFallbackBundle(ctx, hash, feed, t, opts); err != nil {
			return "", err
		}
	}
	return hash, nil
}

// saveFallbackBundle stores the bundle of a single feed at
// <feedHash>.<type> unless present.
func (e *Engine) saveFallbackBundle(ctx context.Context, hash string, feed assets.Feed, t assets.AssetType, opts assets.Options) error {
	exists, err := e.storage.HasBundle(ctx, hash, t)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	start := time.Now()
	content, err := e.bundler.Bundle(ctx, []assets.Feed{feed}, t, opts)
	if err != nil {
		e.metrics.ObserveBundle(t, OutcomeFailed, time.Since(start), 0)
		return fmt.Errorf("fallback bundle for feed %s: %w", hash, err)
	}
	e.metrics.ObserveBundle(t, OutcomeBuilt, time.Since(start), len(content))
	return e.storage.SetBundle(ctx, hash, t, content)
}

// PublishInstructions stores a consumer's instruction, replacing any
// previous one, and builds its bundle if every producer is present.
func (e *Engine) PublishInstructions(ctx context.Context, req InstructionRequest, opts assets.Options) (err error) {
	start := time.Now()
	ctx, span := e.startSpan(ctx, "PublishInstructions",
		attribute.String("tag", req.Tag),
		attribute.String("type", req.Type.String()),
		attribute.StringSlice("data", req.Data),
	)
	defer func() {
		e.metrics.ObservePublish(OpPublishInstructions, req.Type, time.Since(start), err)
		endSpan(span, err)
	}()

	if err := validateTag(req.Tag, req.Type); err != nil {
		return err
	}
	if req.Data == nil {
		return assets.NewValidationError("data", "required")
	}
	for i, producer := range req.Data {
		if err := validation.ValidateTag(producer); err != nil {
			return assets.NewValidationError("data", fmt.Sprintf("element %d: %v", i, err))
		}
	}

	ins := assets.Instruction{Tag: req.Tag, Type: req.Type, Data: append([]string(nil), req.Data...)}
	if err := e.storage.SetInstruction(ctx, req.Tag, req.Type, ins); err != nil {
		return err
	}
	e.logger.Info("instruction published",
		"tag", req.Tag,
		"type", req.Type.String(),
		"data", req.Data,
	)

	_, err = e.BundleIfNeeded(ctx, ins, opts)
	return err
}

// =============================================================================
// Reconciliation
// =============================================================================

// Rebundle reconciles every instruction of type t that names producer.
func (e *Engine) Rebundle(ctx context.Context, producer string, t assets.AssetType, opts assets.Options) (err error) {
	ctx, span := e.startSpan(ctx, "Rebundle",
		attribute.String("tag", producer),
		attribute.String("type", t.String()),
	)
	defer func() { endSpan(span, err) }()

	instructions, err := e.storage.GetInstructions(ctx, producer, t)
	if err != nil {
		return err
	}
	e.metrics.ObserveFanout(t, len(instructions))
	span.SetAttributes(attribute.Int("instructions", len(instructions)))
	if len(instructions) == 0 {
		return nil
	}

	// Siblings run to completion; a failed consumer never cancels another.
	errs := make([]error, len(instructions))
	var g errgroup.Group
	g.SetLimit(e.cfg.FanoutConcurrency)
	for i, ins := range instructions {
		g.Go(func() error {
			_, errs[i] = e.BundleIfNeeded(ctx, ins, opts)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// BundleIfNeeded builds the bundle for one instruction if all of its
// producers have feeds and the bundle does not exist yet.
//
// # Outputs
//
//   - string: The bundle hash, or "" when the instruction is still
//     waiting for feeds (or names none). Waiting is not an error and has
//     no side effects.
//   - error: A storage error, or a bundling error annotated with the
//     consumer tag, type and feed hashes.
func (e *Engine) BundleIfNeeded(ctx context.Context, ins assets.Instruction, opts assets.Options) (string, error) {
	if len(ins.Data) == 0 {
		e.metrics.ObserveBundle(ins.Type, OutcomeWaiting, 0, 0)
		return "", nil
	}

	hashes, err := e.storage.GetTags(ctx, ins.Data, ins.Type)
	if err != nil {
		return "", err
	}
	for i, h := range hashes {
		if h == "" {
			e.logger.Debug("instruction waiting for feeds",
				"tag", ins.Tag,
				"type", ins.Type.String(),
				"missing", ins.Data[i],
			)
			e.metrics.ObserveBundle(ins.Type, OutcomeWaiting, 0, 0)
			return "", nil
		}
	}

	bundleHash := e.hasher.HashArray(hashes)
	key := assets.BundleFile(bundleHash, ins.Type)

	_, err, shared := e.inflight.Do(key, func() (any, error) {
		return nil, e.build(ctx, ins, hashes, bundleHash, opts)
	})
	if shared {
		e.metrics.ObserveBundle(ins.Type, OutcomeShared, 0, 0)
	}
	if err != nil {
		return "", err
	}
	return bundleHash, nil
}

func (e *Engine) build(ctx context.Context, ins assets.Instruction, hashes []string, bundleHash string, opts assets.Options) (err error) {
	ctx, span := e.startSpan(ctx, "Build",
		attribute.String("tag", ins.Tag),
		attribute.String("type", ins.Type.String()),
		attribute.String("bundle_hash", bundleHash),
	)
	defer func() { endSpan(span, err) }()

	exists, err := e.storage.HasBundle(ctx, bundleHash, ins.Type)
	if err != nil {
		return err
	}
	if exists {
		e.metrics.ObserveBundle(ins.Type, OutcomeExists, 0, 0)
		return nil
	}

	feeds, err := e.fetchFeeds(ctx, hashes)
	if err != nil {
		return err
	}

	start := time.Now()
	content, err := e.bundler.Bundle(ctx, feeds, ins.Type, opts)
	if err != nil {
		e.metrics.ObserveBundle(ins.Type, OutcomeFailed, time.Since(start), 0)
		return fmt.Errorf("bundle %s for %s/%s from feeds %v: %w", bundleHash, ins.Type, ins.Tag, hashes, err)
	}
	e.metrics.ObserveBundle(ins.Type, OutcomeBuilt, time.Since(start), len(content))

	if err := e.storage.SetBundle(ctx, bundleHash, ins.Type, content); err != nil {
		return err
	}
	e.logger.Info("bundle built",
		"tag", ins.Tag,
		"type", ins.Type.String(),
		"bundle", bundleHash,
		"feeds", len(feeds),
		"bytes", len(content),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// fetchFeeds loads feeds by hash in parallel, preserving order.
func (e *Engine) fetchFeeds(ctx context.Context, hashes []string) ([]assets.Feed, error) {
	feeds := make([]assets.Feed, len(hashes))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range hashes {
		g.Go(func() error {
			feed, err := e.storage.GetFeed(gctx, h)
			if err != nil {
				return err
			}
			feeds[i] = feed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return feeds, nil
}

// =============================================================================
// Explicit bundling
// =============================================================================

// BundleFeeds builds a bundle from explicit feed hashes and stores it
// under the hash of its content.
//
// # Outputs
//
//   - string: The bundle file name, "<contentHash>.<type>".
//   - error: *assets.NotFoundError if any feed is missing,
//     *assets.ValidationError for an empty list, or a bundling or
//     storage error.
func (e *Engine) BundleFeeds(ctx context.Context, t assets.AssetType, feedHashes []string, opts assets.Options) (file string, err error) {
	start := time.Now()
	ctx, span := e.startSpan(ctx, "BundleFeeds",
		attribute.String("type", t.String()),
		attribute.Int("feeds", len(feedHashes)),
	)
	defer func() {
		e.metrics.ObservePublish(OpBundleFeeds, t, time.Since(start), err)
		endSpan(span, err)
	}()

	if !t.Valid() {
		return "", assets.NewValidationError("type", fmt.Sprintf("unsupported asset type %q", t))
	}
	if len(feedHashes) == 0 {
		return "", assets.NewValidationError("data", "at least one feed is required")
	}

	feeds := make([]assets.Feed, len(feedHashes))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range feedHashes {
		g.Go(func() error {
			ok, err := e.storage.HasFeed(gctx, h)
			if err != nil {
				return err
			}
			if !ok {
				return assets.NewNotFoundError("feed", assets.FeedFile(h))
			}
			feed, err := e.storage.GetFeed(gctx, h)
			if err != nil {
				return err
			}
			feeds[i] = feed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	content, err := e.bundler.Bundle(ctx, feeds, t, opts)
	if err != nil {
		return "", fmt.Errorf("bundle %s from feeds %v: %w", t, feedHashes, err)
	}

	hash := e.hasher.HashBytes(content)
	if err := e.storage.SetBundle(ctx, hash, t, content); err != nil {
		return "", err
	}
	return assets.BundleFile(hash, t), nil
}

func validateTag(tag string, t assets.AssetType) error {
	if err := validation.ValidateTag(tag); err != nil {
		return assets.NewValidationError("tag", err.Error())
	}
	if !t.Valid() {
		return assets.NewValidationError("type", fmt.Sprintf("unsupported asset type %q", t))
	}
	return nil
}
