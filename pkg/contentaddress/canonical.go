// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contentaddress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Canonicalize returns the canonical JSON serialization of value.
//
// # Description
//
// The value is reduced to a generic JSON tree (objects become
// map[string]any, numbers stay json.Number) and re-encoded:
//
//   - object keys are emitted in sorted order (encoding/json sorts map keys)
//   - numbers are normalized, so 1, 1.0 and 1e0 serialize identically
//   - HTML characters are not escaped
//   - no insignificant whitespace, no trailing newline
//
// # Inputs
//
//   - value: json.RawMessage, []byte (treated as JSON) or any marshalable value.
//
// # Outputs
//
//   - []byte: Canonical serialization.
//   - error: Non-nil if value is not valid JSON or cannot be marshaled.
func Canonicalize(value any) ([]byte, error) {
	var raw []byte
	switch v := value.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal value for hashing: %w", err)
		}
		raw = encoded
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode value for hashing: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode value for hashing: trailing data after JSON value")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalize(tree)); err != nil {
		return nil, fmt.Errorf("encode canonical value: %w", err)
	}

	// Encoder appends a newline.
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// normalize rewrites every json.Number in the tree to its canonical form.
func normalize(node any) any {
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			v[key] = normalize(child)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = normalize(child)
		}
		return v
	case json.Number:
		return canonicalNumber(v)
	default:
		return v
	}
}

// maxExactExponent bounds the decimal exponent parsed exactly. Larger
// exponents overflow or underflow float64 and would only cost memory.
const maxExactExponent = 10000

// canonicalNumber maps numerically equal literals to one representation.
// Integral values print as exact decimal digits whatever their spelling,
// so 1e19, 1.0e19 and 10000000000000000000 agree. Other values go through
// float64 shortest formatting.
func canonicalNumber(n json.Number) json.Number {
	s := n.String()
	if exponentOf(s) <= maxExactExponent {
		if r, ok := new(big.Rat).SetString(s); ok {
			if r.IsInt() {
				return json.Number(r.Num().String())
			}
			f, _ := r.Float64()
			return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
		}
	}

	f, err := n.Float64()
	if err != nil {
		return n
	}
	if f == 0 {
		return "0"
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}

// exponentOf returns the absolute decimal exponent of a number literal,
// or 0 when it has none.
func exponentOf(s string) int {
	i := strings.IndexAny(s, "eE")
	if i < 0 {
		return 0
	}
	exp, err := strconv.Atoi(s[i+1:])
	if err != nil || exp == math.MinInt {
		return math.MaxInt
	}
	if exp < 0 {
		return -exp
	}
	return exp
}
