// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/AleutianAI/assetpipe/pkg/assets"
)

// =============================================================================
// Key layout
// =============================================================================
//
//	/tags/<type>/<tag>.txt                              feed hash for a tag
//	/instructions/<type>/<tag>.json                     consumer instruction
//	/index/instructions/<type>/<producer>/<consumer>.txt reverse index entry
//	/<feedHash>.json                                    feed
//	/<bundleHash>.<type>                                bundle
//
// Tags are user supplied and escaped into a single path segment. Escaped
// segments longer than MaxSegmentBytes are shortened to a prefix plus the
// SHA-256 of the raw tag so every key fits a filesystem name.

// TagKey is the pointer key holding the current feed hash of a tag.
func TagKey(tag string, t assets.AssetType) string {
	return "/tags/" + t.String() + "/" + EscapeSegment(tag) + ".txt"
}

// InstructionKey is the key of the instruction stored for a consumer tag.
func InstructionKey(tag string, t assets.AssetType) string {
	return "/instructions/" + t.String() + "/" + EscapeSegment(tag) + ".json"
}

// IndexPrefix is the List prefix for every consumer depending on producer.
// The trailing slash keeps "lib" from matching "lib2".
func IndexPrefix(producer string, t assets.AssetType) string {
	return "/index/instructions/" + t.String() + "/" + EscapeSegment(producer) + "/"
}

// IndexKey is one reverse index entry: consumer depends on producer.
func IndexKey(producer, consumer string, t assets.AssetType) string {
	return IndexPrefix(producer, t) + EscapeSegment(consumer) + ".txt"
}

// FeedKey is the key of a content-addressed feed.
func FeedKey(hash string) string {
	return "/" + assets.FeedFile(hash)
}

// BundleKey is the key of a content-addressed bundle.
func BundleKey(hash string, t assets.AssetType) string {
	return "/" + assets.BundleFile(hash, t)
}

const (
	// MaxSegmentBytes is the longest escaped segment stored verbatim.
	MaxSegmentBytes = 128

	// hashedSegmentPrefix is how much of a long escaped segment is kept
	// before the digest. Hashed segments are always longer than
	// MaxSegmentBytes, so they cannot collide with verbatim ones.
	hashedSegmentPrefix = 96
)

// EscapeSegment escapes s into one path segment. Slashes are escaped by
// url.PathEscape; a leading dot is escaped so "." and ".." cannot act as
// relative path elements on filesystem sinks.
func EscapeSegment(s string) string {
	escaped := url.PathEscape(s)
	if strings.HasPrefix(escaped, ".") {
		escaped = "%2E" + escaped[1:]
	}
	if len(escaped) <= MaxSegmentBytes {
		return escaped
	}
	sum := sha256.Sum256([]byte(s))
	return trimEscaped(escaped, hashedSegmentPrefix) + "~" + hex.EncodeToString(sum[:])
}

// trimEscaped cuts an escaped string to at most n bytes without splitting
// a %XX sequence.
func trimEscaped(escaped string, n int) string {
	cut := escaped[:n]
	if i := strings.LastIndexByte(cut, '%'); i >= 0 && i > n-3 {
		cut = cut[:i]
	}
	return cut
}
