// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metastorage stores small JSON documents next to the assets,
// under /meta/<key>.json. Deploy tooling uses it to record which bundle a
// release shipped with.
package metastorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/assetpipe/pkg/assets"
	"github.com/AleutianAI/assetpipe/pkg/sink"
	"github.com/AleutianAI/assetpipe/pkg/storage"
)

// ErrDecode is wrapped when a stored payload is not valid JSON.
var ErrDecode = errors.New("failed parsing payload")

// MetaStorage reads and writes JSON documents by key.
type MetaStorage struct {
	sink sink.Sink
}

// New creates a MetaStorage over s.
func New(s sink.Sink) *MetaStorage {
	return &MetaStorage{sink: s}
}

// Key returns the sink key of a metadata entry.
func Key(key string) string {
	return "/meta/" + storage.EscapeSegment(key) + ".json"
}

// Set stores value as JSON under key.
//
// # Outputs
//
//   - error: *assets.ValidationError if key is empty or value is nil,
//     *assets.StorageError if the write fails.
func (m *MetaStorage) Set(ctx context.Context, key string, value any) error {
	if key == "" {
		return assets.NewValidationError("key", "required")
	}
	if value == nil {
		return assets.NewValidationError("value", "required")
	}

	var payload []byte
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return assets.NewValidationError("value", "not valid JSON")
		}
		payload = v
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return assets.NewValidationError("value", err.Error())
		}
		payload = encoded
	}

	k := Key(key)
	if err := m.sink.Set(ctx, k, payload); err != nil {
		return &assets.StorageError{Op: "set", Key: k, Err: err}
	}
	return nil
}

// GetRaw returns the stored JSON document.
//
// # Outputs
//
//   - json.RawMessage: The document.
//   - error: *assets.NotFoundError if the entry is missing or empty, an
//     error wrapping ErrDecode if the payload is not JSON, or
//     *assets.StorageError on sink failure.
func (m *MetaStorage) GetRaw(ctx context.Context, key string) (json.RawMessage, error) {
	k := Key(key)
	value, err := m.sink.Get(ctx, k)
	if sink.IsNotFound(err) || (err == nil && len(value) == 0) {
		return nil, assets.NewNotFoundError("meta", key)
	}
	if err != nil {
		return nil, &assets.StorageError{Op: "get", Key: k, Err: err}
	}
	if !json.Valid(value) {
		return nil, fmt.Errorf("%w from key %q", ErrDecode, key)
	}
	return json.RawMessage(value), nil
}

// Get decodes the document stored under key into out.
func (m *MetaStorage) Get(ctx context.Context, key string, out any) error {
	raw, err := m.GetRaw(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w from key %q: %v", ErrDecode, key, err)
	}
	return nil
}

// Has reports whether key has an entry.
func (m *MetaStorage) Has(ctx context.Context, key string) (bool, error) {
	k := Key(key)
	ok, err := m.sink.Has(ctx, k)
	if err != nil {
		return false, &assets.StorageError{Op: "has", Key: k, Err: err}
	}
	return ok, nil
}
