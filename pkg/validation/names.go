// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided names before they reach storage
// keys or file paths.
//
// Tags and meta keys are path-escaped by the storage layer, so they only
// need to be printable and bounded. Feed and bundle file names are used
// verbatim as sink keys and must match a strict pattern that excludes
// separators and traversal.
//
// The same rules are registered on a shared go-playground validator as
// "assettag", "feedfile", "bundlefile" and "metakey" so request DTOs can
// declare them in struct tags.
package validation

import (
	"fmt"
	"regexp"
	"unicode"
	"unicode/utf8"
)

// MaxTagBytes bounds tags and meta keys.
const MaxTagBytes = 512

var (
	// feedFilePattern matches content-addressed feed files: "<hash>.json".
	feedFilePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+\.json$`)

	// bundleFilePattern matches bundle files: "<hash>.js" or "<hash>.css".
	bundleFilePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+\.(js|css)$`)
)

// ValidateTag checks a producer or consumer tag.
//
// Valid tags are non-empty, at most MaxTagBytes, valid UTF-8 and free of
// control characters. Slashes and dots are allowed; storage escapes them.
func ValidateTag(tag string) error {
	return validateName("tag", tag)
}

// ValidateMetaKey applies the tag rules to a meta storage key.
func ValidateMetaKey(key string) error {
	return validateName("meta key", key)
}

func validateName(kind, s string) error {
	if s == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if len(s) > MaxTagBytes {
		return fmt.Errorf("%s exceeds %d bytes", kind, MaxTagBytes)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s is not valid UTF-8", kind)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return fmt.Errorf("%s contains control character %U", kind, r)
		}
	}
	return nil
}

// ValidateFeedFile checks a feed file name such as "ab12….json".
func ValidateFeedFile(name string) error {
	if !feedFilePattern.MatchString(name) || isDotPath(name) {
		return fmt.Errorf("invalid feed file %q (must match %s)", name, feedFilePattern)
	}
	return nil
}

// ValidateBundleFile checks a bundle file name such as "ab12….js".
func ValidateBundleFile(name string) error {
	if !bundleFilePattern.MatchString(name) || isDotPath(name) {
		return fmt.Errorf("invalid bundle file %q (must match %s)", name, bundleFilePattern)
	}
	return nil
}

// isDotPath rejects names that start with a dot; the patterns above would
// otherwise accept "..json".
func isDotPath(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
