// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bundler turns parsed feeds into a single JS or CSS bundle.
//
// # Description
//
// Two implementations share the Bundler interface:
//
//   - InProcess bundles on the calling goroutine.
//   - WorkerPool runs every job in a child process (the binary's hidden
//     bundle-worker subcommand), so a crash or runaway job cannot take the
//     server down.
//
// Which one a server uses is configuration, see New.
//
// # Bundle formats
//
// JS feeds are lists of module descriptors ({id, source, deps, entry}).
// The bundle is a single script: a small module loader followed by every
// module keyed by id, then the list of entry ids to execute.
//
// CSS feeds are lists of {id, content} (or {id, source}) descriptors. The
// bundle is the concatenation of their content.
//
// In both cases modules are de-duplicated by id, first occurrence wins,
// in feed order.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/assetpipe/pkg/assets"
)

// Bundler combines feeds into bundle content.
type Bundler interface {
	// Bundle produces the bundle for feeds, in order. Errors are
	// *BundlingError.
	Bundle(ctx context.Context, feeds []assets.Feed, t assets.AssetType, opts assets.Options) ([]byte, error)

	// Close releases workers. Bundle must not be called after Close.
	Close() error
}

// BundlingError reports a failed bundle build.
type BundlingError struct {
	// Type is the asset type being built.
	Type assets.AssetType

	// FeedCount is the number of feeds passed in.
	FeedCount int

	// Err is the underlying failure.
	Err error
}

func (e *BundlingError) Error() string {
	return fmt.Sprintf("bundling %d %s feed(s): %v", e.FeedCount, e.Type, e.Err)
}

func (e *BundlingError) Unwrap() error {
	return e.Err
}

// ErrClosed is returned by Bundle after Close.
var ErrClosed = errors.New("bundler closed")

// Mode selects a Bundler implementation.
type Mode string

const (
	// ModeInProcess bundles on the request goroutine.
	ModeInProcess Mode = "inprocess"

	// ModeWorkers bundles in child processes.
	ModeWorkers Mode = "workers"
)

// Config selects and configures a Bundler.
type Config struct {
	// Mode is ModeInProcess or ModeWorkers. Default: ModeWorkers.
	Mode Mode

	// Workers bounds concurrent child processes in ModeWorkers. Default: 6.
	Workers int

	// Command is the worker argv. Default: this executable followed by
	// "bundle-worker".
	Command []string

	// Env is appended to the worker environment.
	Env []string

	// Logger for worker lifecycle. Default: slog.Default().
	Logger *slog.Logger
}

// New creates the Bundler selected by cfg.Mode.
func New(cfg Config) (Bundler, error) {
	switch Mode(strings.ToLower(string(cfg.Mode))) {
	case ModeInProcess:
		return NewInProcess(), nil
	case ModeWorkers, "":
		return NewWorkerPool(cfg)
	default:
		return nil, fmt.Errorf("unknown bundler mode %q (expected %s or %s)", cfg.Mode, ModeInProcess, ModeWorkers)
	}
}

// build dispatches to the JS or CSS builder and applies minification.
// Shared by InProcess and the worker entry point.
func build(ctx context.Context, feeds []assets.Feed, t assets.AssetType, opts assets.Options) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(feeds) == 0 {
		return nil, errors.New("no feeds to bundle")
	}

	var (
		out []byte
		err error
	)
	switch t {
	case assets.TypeJS:
		out, err = BundleJS(feeds)
	case assets.TypeCSS:
		out, err = BundleCSS(feeds)
	default:
		return nil, fmt.Errorf("unsupported asset type %q", t)
	}
	if err != nil {
		return nil, err
	}

	if opts.Minify {
		out, err = Minify(out, t)
		if err != nil {
			return nil, fmt.Errorf("minify: %w", err)
		}
	}
	return out, nil
}
