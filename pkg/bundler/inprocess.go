// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bundler

import (
	"context"
	"sync/atomic"

	"github.com/AleutianAI/assetpipe/pkg/assets"
)

// InProcess bundles on the calling goroutine.
//
// SourceMaps is accepted and ignored: modules are emitted verbatim, so
// line numbers inside each module are preserved without a map.
type InProcess struct {
	closed atomic.Bool
}

// NewInProcess creates an in-process bundler.
func NewInProcess() *InProcess {
	return &InProcess{}
}

// Bundle implements Bundler.
func (b *InProcess) Bundle(ctx context.Context, feeds []assets.Feed, t assets.AssetType, opts assets.Options) ([]byte, error) {
	if b.closed.Load() {
		return nil, &BundlingError{Type: t, FeedCount: len(feeds), Err: ErrClosed}
	}
	out, err := build(ctx, feeds, t, opts)
	if err != nil {
		return nil, &BundlingError{Type: t, FeedCount: len(feeds), Err: err}
	}
	return out, nil
}

// Close implements Bundler.
func (b *InProcess) Close() error {
	b.closed.Store(true)
	return nil
}

var _ Bundler = (*InProcess)(nil)
