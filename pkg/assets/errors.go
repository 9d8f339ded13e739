// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assets

import (
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ValidationError reports a malformed or missing field in a publish request.
//
// # Description
//
// Returned before any state is mutated. The HTTP layer maps it to 400.
type ValidationError struct {
	// Field names the offending request field ("tag", "type", "data", ...).
	Field string

	// Reason is a human-readable explanation.
	Reason string
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}

// NotFoundError reports that an explicitly requested feed, bundle,
// instruction or meta entry does not exist.
//
// # Description
//
// Only fetch-by-id operations exposed to clients return this error.
// Absence checks inside reconciliation are normal control flow and never
// produce it. The HTTP layer maps it to 404.
type NotFoundError struct {
	// Kind is the entity kind: "feed", "bundle", "instruction", "meta".
	Kind string

	// Key is the identifier that was looked up.
	Key string
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(kind, key string) *NotFoundError {
	return &NotFoundError{Kind: kind, Key: key}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// StorageError reports a sink read or write failure that is not a plain
// "not found".
//
// # Description
//
// Fatal to the current operation and surfaced to the caller. Retrying is
// safe: no multi-key state is assumed consistent.
type StorageError struct {
	// Op is the storage operation ("get", "set", "has", "list").
	Op string

	// Key is the sink key involved.
	Key string

	// Err is the underlying sink error.
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
