// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryConfig controls the retrying sink wrapper.
type RetryConfig struct {
	// Retries is the number of additional attempts after the first failure.
	// Zero disables retrying.
	Retries int

	// InitialDelay is the wait before the first retry. Default: 50ms.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff. Default: 2s.
	MaxDelay time.Duration

	// Multiplier grows the delay between attempts. Default: 2.
	Multiplier float64

	// Logger receives one Warn line per retry. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultRetryConfig mirrors the three retries the bundle upload path has
// always used.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Retries:      3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
	}
}

// Retrying wraps a Sink and retries transient failures with exponential
// backoff.
//
// # Description
//
// Not-found results and context cancellation are never retried: a missing
// key will not appear by asking again, and a cancelled caller is gone.
// Every other error is considered transient.
//
// # Thread Safety
//
// Safe for concurrent use if the wrapped sink is.
type Retrying struct {
	next Sink
	cfg  RetryConfig
}

// NewRetrying wraps next with retry behavior. Zero-valued config fields take
// the defaults from DefaultRetryConfig, except Retries which is used as-is.
func NewRetrying(next Sink, cfg RetryConfig) *Retrying {
	def := DefaultRetryConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Retrying{next: next, cfg: cfg}
}

// Unwrap returns the wrapped sink.
func (r *Retrying) Unwrap() Sink {
	return r.next
}

// Get implements Sink.
func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.do(ctx, "get", key, func(ctx context.Context) error {
		value, err := r.next.Get(ctx, key)
		out = value
		return err
	})
	return out, err
}

// Set implements Sink.
func (r *Retrying) Set(ctx context.Context, key string, value []byte) error {
	return r.do(ctx, "set", key, func(ctx context.Context) error {
		return r.next.Set(ctx, key, value)
	})
}

// Has implements Sink.
func (r *Retrying) Has(ctx context.Context, key string) (bool, error) {
	var out bool
	err := r.do(ctx, "has", key, func(ctx context.Context) error {
		ok, err := r.next.Has(ctx, key)
		out = ok
		return err
	})
	return out, err
}

// List implements Sink.
func (r *Retrying) List(ctx context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	err := r.do(ctx, "list", prefix, func(ctx context.Context) error {
		entries, err := r.next.List(ctx, prefix)
		out = entries
		return err
	})
	return out, err
}

func (r *Retrying) do(ctx context.Context, op, key string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || !isTransient(err) {
		return err
	}

	delay := r.cfg.InitialDelay
	for attempt := 1; attempt <= r.cfg.Retries; attempt++ {
		r.cfg.Logger.Warn("sink operation failed, retrying",
			"op", op,
			"key", key,
			"attempt", attempt,
			"max_retries", r.cfg.Retries,
			"delay", delay.String(),
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		err = fn(ctx)
		if err == nil || !isTransient(err) {
			return err
		}

		delay = time.Duration(float64(delay) * r.cfg.Multiplier)
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}
	return err
}

// isTransient classifies sink errors for retrying.
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

var _ Sink = (*Retrying)(nil)
