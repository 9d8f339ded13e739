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
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/assetpipe/pkg/assets"
)

// jsPrelude is the module loader. Modules are functions of
// (require, module, exports); require resolves through the module's deps
// map and falls back to treating the name as an id.
const jsPrelude = `(function(modules, entries) {
  var cache = {};
  function load(id) {
    if (cache[id]) return cache[id].exports;
    var def = modules[id];
    if (!def) {
      var err = new Error("Cannot find module '" + id + "'");
      err.code = "MODULE_NOT_FOUND";
      throw err;
    }
    var module = cache[id] = { exports: {} };
    def[0].call(module.exports, function(name) {
      var dep = def[1][name];
      return load(dep !== undefined ? dep : name);
    }, module, module.exports);
    return module.exports;
  }
  for (var i = 0; i < entries.length; i++) load(entries[i]);
})({`

// jsModule is one JS module descriptor in a feed.
type jsModule struct {
	ID     json.RawMessage            `json:"id"`
	Source *string                    `json:"source"`
	Deps   map[string]json.RawMessage `json:"deps"`
	Entry  bool                       `json:"entry"`
}

// BundleJS packs the modules of every feed into one script.
//
// # Outputs
//
//   - []byte: The script, newline terminated.
//   - error: Non-nil if a descriptor is not an object, has no id or has
//     no source.
func BundleJS(feeds []assets.Feed) ([]byte, error) {
	var (
		buf     bytes.Buffer
		seen    = make(map[string]struct{})
		entries = make([]json.RawMessage, 0)
		count   int
	)
	buf.WriteString(jsPrelude)

	for fi, feed := range feeds {
		for mi, raw := range feed {
			var mod jsModule
			if err := json.Unmarshal(raw, &mod); err != nil {
				return nil, fmt.Errorf("feed %d module %d: %w", fi, mi, err)
			}
			key, err := moduleID(mod.ID)
			if err != nil {
				return nil, fmt.Errorf("feed %d module %d: %w", fi, mi, err)
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			if mod.Source == nil {
				return nil, fmt.Errorf("feed %d module %q: missing source", fi, key)
			}
			if mod.Deps == nil {
				mod.Deps = map[string]json.RawMessage{}
			}
			deps, err := marshalJS(mod.Deps)
			if err != nil {
				return nil, fmt.Errorf("feed %d module %q deps: %w", fi, key, err)
			}
			name, err := marshalJS(key)
			if err != nil {
				return nil, err
			}

			if count > 0 {
				buf.WriteByte(',')
			}
			count++
			buf.WriteByte('\n')
			buf.WriteString(name)
			buf.WriteString(": [function(require, module, exports) {\n")
			buf.WriteString(strings.TrimRight(*mod.Source, "\n"))
			buf.WriteString("\n}, ")
			buf.WriteString(deps)
			buf.WriteByte(']')

			if mod.Entry {
				entries = append(entries, mod.ID)
			}
		}
	}

	list, err := marshalJS(entries)
	if err != nil {
		return nil, err
	}
	buf.WriteString("\n}, ")
	buf.WriteString(list)
	buf.WriteString(");\n")
	return buf.Bytes(), nil
}

// moduleID returns the string form of a string or numeric id.
func moduleID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("missing id")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("invalid id: %w", err)
	}
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", fmt.Errorf("empty id")
		}
		return id, nil
	case json.Number:
		return id.String(), nil
	default:
		return "", fmt.Errorf("id must be a string or number, got %s", string(raw))
	}
}

// marshalJS encodes v as compact JSON without HTML escaping. encoding/json
// escapes U+2028 and U+2029, so the result is also a valid JS literal.
func marshalJS(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
