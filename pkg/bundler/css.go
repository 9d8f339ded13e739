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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/assetpipe/pkg/assets"
)

type cssModule struct {
	ID      json.RawMessage `json:"id"`
	Content *string         `json:"content"`
	Source  *string         `json:"source"`
}

// BundleCSS concatenates the stylesheets of every feed.
//
// Descriptors without an id are never de-duplicated. Content wins over
// source when both are present.
func BundleCSS(feeds []assets.Feed) ([]byte, error) {
	seen := make(map[string]struct{})
	parts := make([]string, 0)

	for fi, feed := range feeds {
		for mi, raw := range feed {
			var mod cssModule
			if err := json.Unmarshal(raw, &mod); err != nil {
				return nil, fmt.Errorf("feed %d module %d: %w", fi, mi, err)
			}

			if len(mod.ID) > 0 && string(mod.ID) != "null" {
				key, err := moduleID(mod.ID)
				if err != nil {
					return nil, fmt.Errorf("feed %d module %d: %w", fi, mi, err)
				}
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
			}

			var text string
			switch {
			case mod.Content != nil:
				text = *mod.Content
			case mod.Source != nil:
				text = *mod.Source
			default:
				return nil, fmt.Errorf("feed %d module %d: missing content", fi, mi)
			}
			parts = append(parts, strings.TrimRight(text, "\n"))
		}
	}

	if len(parts) == 0 {
		return []byte{}, nil
	}
	return []byte(strings.Join(parts, "\n") + "\n"), nil
}
