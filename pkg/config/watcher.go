// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor produces when
// saving a file.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads the config file when it changes.
//
// # Description
//
// The parent directory is watched rather than the file itself so that
// editors which save by rename keep being observed. Each settled change
// triggers a full Load; a file that fails to load or validate is logged
// and the previous configuration stays in effect.
//
// Only runtime-tunable settings (log level, publish defaults) are
// meaningful to reload. The callback decides what to apply.
//
// # Thread Safety
//
// Run must be called at most once. The callback runs on the Run goroutine.
type Watcher struct {
	opts     LoadOptions
	onChange func(*Config)
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for opts.Path.
func NewWatcher(opts LoadOptions, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("config watcher requires a file path")
	}
	if onChange == nil {
		return nil, fmt.Errorf("config watcher requires a callback")
	}
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(opts.Path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(opts.Path), err)
	}

	return &Watcher{
		opts:     opts,
		onChange: onChange,
		debounce: DefaultDebounce,
		logger:   logger,
		watcher:  fw,
	}, nil
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	target := filepath.Clean(w.opts.Path)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.opts)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous settings",
			"path", w.opts.Path,
			"error", err,
		)
		return
	}
	w.logger.Info("config reloaded", "path", w.opts.Path)
	w.onChange(cfg)
}
