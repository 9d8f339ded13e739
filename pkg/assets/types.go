// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assets defines the data model shared by every layer of the asset
// server: asset types, feeds, bundling instructions, publish options and
// the error taxonomy.
//
// # Description
//
// A feed is an ordered list of module descriptors published by a producer
// under a tag. An instruction declares that a consumer tag wants a bundle
// of the feeds currently tagged under a list of producer tags. Bundles are
// derived, content-addressed artifacts.
//
// All identity and storage keys are partitioned by AssetType, so a tag may
// own an independent js feed and css feed.
package assets

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AssetType selects the kind of bundle a feed or instruction belongs to.
type AssetType string

const (
	// TypeJS is a JavaScript feed/bundle.
	TypeJS AssetType = "js"

	// TypeCSS is a stylesheet feed/bundle.
	TypeCSS AssetType = "css"
)

// Types lists every supported asset type.
var Types = []AssetType{TypeJS, TypeCSS}

// ParseAssetType converts a raw string into an AssetType.
//
// # Inputs
//
//   - s: "js" or "css", case-insensitive, surrounding whitespace ignored.
//
// # Outputs
//
//   - AssetType: The parsed type.
//   - error: A *ValidationError when s is not a known type.
func ParseAssetType(s string) (AssetType, error) {
	switch AssetType(strings.ToLower(strings.TrimSpace(s))) {
	case TypeJS:
		return TypeJS, nil
	case TypeCSS:
		return TypeCSS, nil
	default:
		return "", NewValidationError("type", fmt.Sprintf("unsupported asset type %q (expected js or css)", s))
	}
}

// Valid reports whether t is a known asset type.
func (t AssetType) Valid() bool {
	return t == TypeJS || t == TypeCSS
}

// String implements fmt.Stringer.
func (t AssetType) String() string {
	return string(t)
}

// ContentType returns the HTTP media type used when serving a bundle.
func (t AssetType) ContentType() string {
	if t == TypeCSS {
		return "text/css; charset=utf-8"
	}
	return "application/javascript; charset=utf-8"
}

// Feed is an ordered sequence of module descriptors.
//
// The descriptors are opaque JSON to the reconciliation core; only the
// bundler interprets them. Keeping them as raw messages means a stored feed
// round-trips byte for byte.
type Feed []json.RawMessage

// Len returns the number of descriptors in the feed.
func (f Feed) Len() int {
	return len(f)
}

// Instruction declares that consumer Tag wants a bundle combining the feeds
// currently tagged under each producer tag in Data, in order.
//
// At most one instruction is live per (Tag, Type); republishing replaces it.
type Instruction struct {
	Tag  string    `json:"tag"`
	Type AssetType `json:"type"`
	Data []string  `json:"data"`
}

// DependsOn reports whether producerTag is one of the instruction's
// producers. The comparison is an exact element match, never a substring
// match.
func (i Instruction) DependsOn(producerTag string) bool {
	for _, tag := range i.Data {
		if tag == producerTag {
			return true
		}
	}
	return false
}

// Options are the per-request knobs recognized by the publish operations.
type Options struct {
	// Minify asks the bundler to minify its output.
	Minify bool `json:"minify"`

	// SourceMaps asks the bundler to emit source maps where it supports them.
	SourceMaps bool `json:"sourceMaps"`

	// Rebundle controls whether publishing a feed advances the tag pointer
	// and fans out to dependent instructions. False persists the feed only,
	// which is used for staged publishing.
	Rebundle bool `json:"rebundle"`
}

// DefaultOptions returns the options used when a caller supplies none.
func DefaultOptions() Options {
	return Options{Rebundle: true}
}

// PublishResult is returned by a successful publish-assets call.
type PublishResult struct {
	// ID is the feed hash.
	ID string `json:"id"`

	// File is the storage key of the feed, "<id>.json".
	File string `json:"file"`
}

// FeedFile returns the storage file name for a feed hash.
func FeedFile(hash string) string {
	return hash + ".json"
}

// BundleFile returns the storage file name for a bundle hash.
func BundleFile(hash string, t AssetType) string {
	return hash + "." + string(t)
}
