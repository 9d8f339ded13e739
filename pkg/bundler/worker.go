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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/assetpipe/pkg/assets"
	"golang.org/x/sync/semaphore"
)

// WorkerCommand is the hidden CLI subcommand that serves one job.
const WorkerCommand = "bundle-worker"

// DefaultWorkers matches the historical worker farm size.
const DefaultWorkers = 6

// =============================================================================
// Wire protocol
// =============================================================================

// WorkerRequest is written to a worker's stdin as one JSON document.
type WorkerRequest struct {
	Type    assets.AssetType `json:"type"`
	Feeds   []assets.Feed    `json:"feeds"`
	Options assets.Options   `json:"options"`
}

// WorkerResponse is read from a worker's stdout as one JSON document.
// Exactly one of Content or Error is meaningful.
type WorkerResponse struct {
	Content []byte `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ServeWorker runs one bundling job: it reads a WorkerRequest from in,
// bundles it in-process and writes a WorkerResponse to out.
//
// # Description
//
// Bundling failures are reported inside the response and return nil, so
// the process exits 0. A non-nil error means the protocol itself failed
// (unreadable request, closed stdout) and the caller should exit non-zero.
func ServeWorker(ctx context.Context, in io.Reader, out io.Writer) error {
	var req WorkerRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("decode worker request: %w", err)
	}

	var resp WorkerResponse
	content, err := build(ctx, req.Feeds, req.Type, req.Options)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Content = content
	}

	if err := json.NewEncoder(out).Encode(resp); err != nil {
		return fmt.Errorf("encode worker response: %w", err)
	}
	return nil
}

// =============================================================================
// Pool
// =============================================================================

// WorkerPool bundles in isolated child processes.
//
// # Description
//
// Every Bundle call starts one child process, writes the request to its
// stdin and reads the response from stdout. At most Workers children run
// at once; further callers wait for a slot or for their context to end.
// A child that crashes, is killed, or writes garbage yields a
// *BundlingError carrying its exit status and stderr tail.
//
// # Thread Safety
//
// Safe for concurrent use.
type WorkerPool struct {
	command []string
	env     []string
	workers int64
	sem     *semaphore.Weighted
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool creates a pool from cfg. Mode is ignored.
func NewWorkerPool(cfg Config) (*WorkerPool, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	command := cfg.Command
	if len(command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}
		command = []string{exe, WorkerCommand}
	}

	return &WorkerPool{
		command: command,
		env:     cfg.Env,
		workers: int64(cfg.Workers),
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		logger:  cfg.Logger,
	}, nil
}

// Bundle implements Bundler.
func (p *WorkerPool) Bundle(ctx context.Context, feeds []assets.Feed, t assets.AssetType, opts assets.Options) ([]byte, error) {
	fail := func(err error) ([]byte, error) {
		return nil, &BundlingError{Type: t, FeedCount: len(feeds), Err: err}
	}

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return fail(ErrClosed)
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fail(fmt.Errorf("wait for worker: %w", err))
	}
	defer p.sem.Release(1)

	payload, err := json.Marshal(WorkerRequest{Type: t, Feeds: feeds, Options: opts})
	if err != nil {
		return fail(fmt.Errorf("encode request: %w", err))
	}

	start := time.Now()
	content, err := p.run(ctx, payload)
	if err != nil {
		p.logger.Warn("bundle worker failed",
			"type", t.String(),
			"feeds", len(feeds),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return fail(err)
	}
	p.logger.Debug("bundle worker finished",
		"type", t.String(),
		"feeds", len(feeds),
		"bytes", len(content),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return content, nil
}

func (p *WorkerPool) run(ctx context.Context, payload []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.command[0], p.command[1:]...)
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("worker cancelled: %w", ctxErr)
		}
		return nil, fmt.Errorf("worker exited: %w%s", err, stderrTail(stderr.String()))
	}

	var resp WorkerResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode worker response: %w%s", err, stderrTail(stderr.String()))
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	if resp.Content == nil {
		resp.Content = []byte{}
	}
	return resp.Content, nil
}

// stderrTail formats the last line of stderr for an error message.
func stderrTail(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return ""
	}
	if i := strings.LastIndexByte(stderr, '\n'); i >= 0 {
		stderr = stderr[i+1:]
	}
	const max = 512
	if len(stderr) > max {
		stderr = stderr[len(stderr)-max:]
	}
	return ": " + stderr
}

// Close stops accepting jobs and waits for running workers to finish.
func (p *WorkerPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// Taking every slot waits out in-flight jobs.
	if err := p.sem.Acquire(context.Background(), p.workers); err != nil {
		return err
	}
	p.sem.Release(p.workers)
	return nil
}

var _ Bundler = (*WorkerPool)(nil)
