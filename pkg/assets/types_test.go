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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAssetType(t *testing.T) {
	tests := []struct {
		in      string
		want    AssetType
		wantErr bool
	}{
		{"js", TypeJS, false},
		{"css", TypeCSS, false},
		{" CSS ", TypeCSS, false},
		{"JS", TypeJS, false},
		{"html", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAssetType(tt.in)
			if tt.wantErr {
				var vErr *ValidationError
				require.ErrorAs(t, err, &vErr)
				assert.Equal(t, "type", vErr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssetType_ContentType(t *testing.T) {
	assert.Contains(t, TypeJS.ContentType(), "application/javascript")
	assert.Contains(t, TypeCSS.ContentType(), "text/css")
}

func TestInstruction_DependsOn_ExactMatch(t *testing.T) {
	inst := Instruction{Tag: "layout", Type: TypeJS, Data: []string{"podlet10", "header"}}

	assert.True(t, inst.DependsOn("podlet10"))
	assert.True(t, inst.DependsOn("header"))
	assert.False(t, inst.DependsOn("podlet1"), "prefix of a producer tag must not match")
	assert.False(t, inst.DependsOn("head"))
	assert.False(t, inst.DependsOn(""))
}

func TestDefaultOptions_Rebundles(t *testing.T) {
	opts := DefaultOptions()
	assert.True(t, opts.Rebundle)
	assert.False(t, opts.Minify)
	assert.False(t, opts.SourceMaps)
}

func TestFileNames(t *testing.T) {
	assert.Equal(t, "abc.json", FeedFile("abc"))
	assert.Equal(t, "abc.css", BundleFile("abc", TypeCSS))
	assert.Equal(t, "abc.js", BundleFile("abc", TypeJS))
}

func TestStorageError_Unwrap(t *testing.T) {
	root := errors.New("disk on fire")
	err := fmt.Errorf("publish: %w", &StorageError{Op: "set", Key: "a.json", Err: root})

	assert.ErrorIs(t, err, root)
	var sErr *StorageError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, "set", sErr.Op)
	assert.Contains(t, err.Error(), `storage set "a.json"`)
}

func TestNotFoundError_Message(t *testing.T) {
	err := NewNotFoundError("feed", "abc.json")
	assert.Equal(t, `feed "abc.json" not found`, err.Error())
}
