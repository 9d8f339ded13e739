// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package contentaddress provides deterministic, canonical hashing for feeds
// and bundle identities.
//
// # Description
//
// Two operations back the whole optimistic bundling protocol:
//
//   - HashContent: hex digest of a value's canonical JSON serialization.
//     Object keys are sorted and numbers normalized, so semantically equal
//     JSON values always hash identically regardless of key order.
//   - HashArray: order-sensitive digest over an ordered list of hashes.
//     [a, b] and [b, a] produce different results because bundle
//     composition order matters (CSS cascade, JS load order).
//
// # Algorithms
//
// SHA-256 is the default and matches the identities produced by earlier
// deployments. BLAKE3 is available for new deployments; switching the
// algorithm changes every feed and bundle identity, so it must not be
// changed on a populated store.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package contentaddress

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a digest algorithm.
type Algorithm string

const (
	// SHA256 is the default digest algorithm.
	SHA256 Algorithm = "sha256"

	// BLAKE3 is the faster alternative digest algorithm.
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm converts a configuration value into an Algorithm.
// The empty string selects SHA256.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unknown hash algorithm %q (expected sha256 or blake3)", s)
	}
}

// Hasher computes content addresses with a fixed algorithm.
//
// The zero value is not usable; construct with New or use Default.
type Hasher struct {
	alg     Algorithm
	newHash func() hash.Hash
}

// defaultHasher backs the package-level helpers.
var defaultHasher = MustNew(SHA256)

// New creates a Hasher for the given algorithm.
//
// # Inputs
//
//   - alg: SHA256 or BLAKE3. Empty selects SHA256.
//
// # Outputs
//
//   - *Hasher: Ready to use, safe for concurrent use.
//   - error: Non-nil for an unknown algorithm.
func New(alg Algorithm) (*Hasher, error) {
	parsed, err := ParseAlgorithm(string(alg))
	if err != nil {
		return nil, err
	}

	h := &Hasher{alg: parsed}
	switch parsed {
	case BLAKE3:
		h.newHash = func() hash.Hash { return blake3.New() }
	default:
		h.newHash = sha256.New
	}
	return h, nil
}

// MustNew is like New but panics on an unknown algorithm.
func MustNew(alg Algorithm) *Hasher {
	h, err := New(alg)
	if err != nil {
		panic(err)
	}
	return h
}

// Default returns the SHA-256 hasher.
func Default() *Hasher {
	return defaultHasher
}

// Algorithm returns the digest algorithm in use.
func (h *Hasher) Algorithm() Algorithm {
	return h.alg
}

// HashBytes returns the hex digest of raw bytes.
func (h *Hasher) HashBytes(b []byte) string {
	d := h.newHash()
	d.Write(b)
	return hex.EncodeToString(d.Sum(nil))
}

// HashContent returns the content address of value.
//
// # Description
//
// Strings and byte slices are hashed verbatim. Any other value is first
// canonicalized (see Canonicalize) so that key order never affects the
// result. A json.RawMessage is treated as a JSON document, not as bytes.
//
// # Inputs
//
//   - value: A string, []byte, json.RawMessage or any JSON-marshalable value.
//
// # Outputs
//
//   - string: Hex-encoded digest.
//   - error: Non-nil only if value cannot be serialized as JSON.
//
// # Examples
//
//	a, _ := h.HashContent(map[string]any{"a": 1, "b": 2})
//	b, _ := h.HashContent(json.RawMessage(`{"b":2,"a":1}`))
//	// a == b
func (h *Hasher) HashContent(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return h.HashBytes([]byte(v)), nil
	case []byte:
		return h.HashBytes(v), nil
	}

	canonical, err := Canonicalize(value)
	if err != nil {
		return "", err
	}
	return h.HashBytes(canonical), nil
}

// HashArray returns the order-sensitive digest of an ordered list of
// hashes. The digest covers the concatenation of the inputs; since every
// input is a fixed-width hex digest the concatenation is unambiguous.
func (h *Hasher) HashArray(hashes []string) string {
	d := h.newHash()
	for _, item := range hashes {
		d.Write([]byte(item))
	}
	return hex.EncodeToString(d.Sum(nil))
}

// HashContent hashes value with SHA-256. See Hasher.HashContent.
func HashContent(value any) (string, error) {
	return defaultHasher.HashContent(value)
}

// HashArray hashes an ordered list of hashes with SHA-256. See
// Hasher.HashArray.
func HashArray(hashes []string) string {
	return defaultHasher.HashArray(hashes)
}
