// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package optimistic

import (
	"time"

	"github.com/AleutianAI/assetpipe/pkg/assets"
)

// Publish operation names reported to Metrics.
const (
	OpPublishAssets       = "publish_assets"
	OpPublishInstructions = "publish_instructions"
	OpUploadFeed          = "upload_feed"
	OpBundleFeeds         = "bundle_feeds"
)

// Bundle outcomes reported to Metrics.
const (
	OutcomeBuilt   = "built"
	OutcomeExists  = "exists"
	OutcomeWaiting = "waiting"
	OutcomeShared  = "shared"
	OutcomeFailed  = "failed"
)

// Metrics receives engine measurements. Implementations must be safe for
// concurrent use.
type Metrics interface {
	// ObservePublish records one top-level operation.
	ObservePublish(op string, t assets.AssetType, elapsed time.Duration, err error)

	// ObserveBundle records one BundleIfNeeded outcome. size and elapsed
	// are only meaningful for OutcomeBuilt.
	ObserveBundle(t assets.AssetType, outcome string, elapsed time.Duration, size int)

	// ObserveFanout records how many instructions a rebundle touched.
	ObserveFanout(t assets.AssetType, instructions int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObservePublish(string, assets.AssetType, time.Duration, error) {}
func (NopMetrics) ObserveBundle(assets.AssetType, string, time.Duration, int) {}
func (NopMetrics) ObserveFanout(assets.AssetType, int) {}

var _ Metrics = NopMetrics{}
