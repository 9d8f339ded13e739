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
	"fmt"

	"github.com/AleutianAI/assetpipe/pkg/assets"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/js"
)

const (
	mediaJS  = "application/javascript"
	mediaCSS = "text/css"
)

// minifier is safe for concurrent use once configured.
var minifier = func() *minify.M {
	m := minify.New()
	m.AddFunc(mediaJS, js.Minify)
	m.AddFunc(mediaCSS, css.Minify)
	return m
}()

// Minify minifies bundle content of type t.
func Minify(content []byte, t assets.AssetType) ([]byte, error) {
	switch t {
	case assets.TypeJS:
		return minifier.Bytes(mediaJS, content)
	case assets.TypeCSS:
		return minifier.Bytes(mediaCSS, content)
	default:
		return nil, fmt.Errorf("cannot minify asset type %q", t)
	}
}
