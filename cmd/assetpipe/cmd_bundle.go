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
	"errors"
	"os"

	"github.com/AleutianAI/assetpipe/pkg/assets"
	"github.com/AleutianAI/assetpipe/pkg/bundler"
	"github.com/spf13/cobra"
)

type bundleFlags struct {
	assetType string
	minify    bool
	output    string
}

func newBundleCmd() *cobra.Command {
	flags := &bundleFlags{}
	cmd := &cobra.Command{
		Use:   "bundle --type js|css feed.json...",
		Short: "Bundle feed files offline, in argument order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBundle(cmd, flags, args)
		},
	}
	cmd.Flags().StringVarP(&flags.assetType, "type", "t", "", "asset type: js or css")
	cmd.Flags().BoolVar(&flags.minify, "minify", false, "minify the bundle")
	cmd.Flags().StringVarP(&flags.output, "out", "o", "", "write to file instead of stdout")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func runBundle(cmd *cobra.Command, flags *bundleFlags, args []string) error {
	t, err := assets.ParseAssetType(flags.assetType)
	if err != nil {
		return err
	}

	feeds := make([]assets.Feed, 0, len(args))
	for _, name := range args {
		if name == "-" {
			return errors.New("bundle reads feed files only, not stdin")
		}
		feed, err := readFeed(nil, name)
		if err != nil {
			return err
		}
		feeds = append(feeds, feed)
	}

	b := bundler.NewInProcess()
	defer b.Close()
	content, err := b.Bundle(cmd.Context(), feeds, t, assets.Options{Minify: flags.minify})
	if err != nil {
		return err
	}

	if flags.output != "" {
		return os.WriteFile(flags.output, content, 0o644)
	}
	_, err = cmd.OutOrStdout().Write(content)
	return err
}
