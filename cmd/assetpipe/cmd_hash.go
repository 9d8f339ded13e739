// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/assetpipe/pkg/assets"
	"github.com/AleutianAI/assetpipe/pkg/contentaddress"
	"github.com/spf13/cobra"
)

type hashFlags struct {
	algorithm string
	array     bool
}

func newHashCmd() *cobra.Command {
	flags := &hashFlags{}
	cmd := &cobra.Command{
		Use:   "hash [feed.json...]",
		Short: "Print the content hash the server would assign to feeds",
		Long: `Reads each feed file (or stdin when no file or "-" is given) and prints
"<hash>  <file>" using the same canonical encoding as the server.

With --array the arguments are feed hashes in bundle order and the
command prints the bundle hash they combine to.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHash(cmd, flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.algorithm, "algorithm", string(contentaddress.SHA256), "hash algorithm: sha256 or blake3")
	cmd.Flags().BoolVar(&flags.array, "array", false, "combine the given feed hashes into a bundle hash")
	return cmd
}

func runHash(cmd *cobra.Command, flags *hashFlags, args []string) error {
	alg, err := contentaddress.ParseAlgorithm(flags.algorithm)
	if err != nil {
		return err
	}
	hasher, err := contentaddress.New(alg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if flags.array {
		if len(args) == 0 {
			return errors.New("--array needs at least one feed hash")
		}
		_, err := fmt.Fprintln(out, hasher.HashArray(args))
		return err
	}

	if len(args) == 0 {
		args = []string{"-"}
	}
	for _, name := range args {
		feed, err := readFeed(cmd.InOrStdin(), name)
		if err != nil {
			return err
		}
		canonical, err := contentaddress.Canonicalize(feed)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if _, err := fmt.Fprintf(out, "%s  %s\n", hasher.HashBytes(canonical), name); err != nil {
			return err
		}
	}
	return nil
}

// readFeed decodes a feed from a file, or from stdin when name is "-".
func readFeed(stdin io.Reader, name string) (assets.Feed, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	var feed assets.Feed
	if err := json.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("%s: not a feed (expected a JSON array): %w", name, err)
	}
	if feed == nil {
		feed = assets.Feed{}
	}
	return feed, nil
}
