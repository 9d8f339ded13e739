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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/assetpipe/pkg/config"
	"github.com/AleutianAI/assetpipe/pkg/logging"
	"github.com/AleutianAI/assetpipe/services/assetserver"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	configPath string
	envFile    string
	port       int
	sinkKind   string
	watch      bool
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the asset server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&flags.envFile, "env-file", "", "dotenv file (default: .env if present)")
	cmd.Flags().IntVarP(&flags.port, "port", "p", config.DefaultPort, "HTTP port")
	cmd.Flags().StringVar(&flags.sinkKind, "sink", "", "sink kind: memory, fs, badger, gcs or postgres")
	cmd.Flags().BoolVar(&flags.watch, "watch", false, "reload log level and publish defaults when the config file changes")
	return cmd
}

// loadServeConfig loads the config and applies flags that were set
// explicitly, so an unset --port does not override the file.
func loadServeConfig(cmd *cobra.Command, flags *serveFlags) (*config.Config, config.LoadOptions, error) {
	opts := config.LoadOptions{
		Path:     flags.configPath,
		Required: flags.configPath != "",
		EnvFile:  flags.envFile,
	}
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, opts, err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = flags.port
	}
	if cmd.Flags().Changed("sink") {
		cfg.Sink.Kind = flags.sinkKind
	}
	if err := cfg.Validate(); err != nil {
		return nil, opts, err
	}
	return cfg, opts, nil
}

func runServe(cmd *cobra.Command, flags *serveFlags) error {
	cfg, loadOpts, err := loadServeConfig(cmd, flags)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel(),
		Format:  cfg.LogFormat(),
		LogDir:  cfg.Log.Dir,
		Service: cfg.Telemetry.ServiceName,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := assetserver.New(ctx, cfg,
		assetserver.WithLogger(logger),
		assetserver.WithVersion(version),
	)
	if err != nil {
		return fmt.Errorf("failed to create asset server: %w", err)
	}

	if flags.watch {
		if flags.configPath == "" {
			logger.Slog().Warn("--watch ignored without --config")
		} else {
			w, err := config.NewWatcher(loadOpts, svc.ApplyRuntime, logger.Slog())
			if err != nil {
				_ = svc.Close()
				return fmt.Errorf("failed to watch config: %w", err)
			}
			go w.Run(ctx)
		}
	}

	return svc.Run(ctx)
}
