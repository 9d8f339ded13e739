// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command assetpipe runs the optimistic asset bundling server.
//
// # Usage
//
//	# Serve with a config file, reloading it on change
//	assetpipe serve --config assetpipe.yaml --watch
//
//	# Hash a feed exactly as the server would
//	assetpipe hash feed.json
//
//	# Bundle feed files offline
//	assetpipe bundle --type js --minify a.json b.json > out.js
//
// The hidden bundle-worker subcommand is the entry point of bundler
// child processes and is not meant to be run by hand.
package main

import (
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
