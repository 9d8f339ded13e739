// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package postgres stores blobs in a single PostgreSQL key/value table.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/assetpipe/pkg/sink"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTable is the table used when Config.Table is empty.
const DefaultTable = "assetpipe_blobs"

// Config holds connection settings.
type Config struct {
	// DSN is a libpq connection string or URL. Required.
	DSN string

	// Table is the key/value table name. Default: DefaultTable.
	Table string

	// MaxConns caps the pool size. Zero keeps the pgxpool default.
	MaxConns int32
}

// Sink is a sink.Sink backed by PostgreSQL.
//
// # Description
//
// One row per key. Set is an upsert, so overwrites are atomic per key.
// List orders by key in byte order ("C" collation) to match the other
// backends.
//
// # Thread Safety
//
// Safe for concurrent use.
type Sink struct {
	pool  *pgxpool.Pool
	table string
	owned bool
}

// Open connects, creates the table if needed, and returns the sink.
//
// # Inputs
//
//   - ctx: Bounds connection and migration.
//   - cfg: Connection settings.
//
// # Outputs
//
//   - *Sink: Ready to use. Caller must call Close.
//   - error: Non-nil if the DSN is invalid, the server is unreachable,
//     or the table cannot be created.
func Open(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres sink: dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: ping: %w", err)
	}

	s := NewWithPool(pool, cfg.Table)
	s.owned = true
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool wraps an existing pool. Close will not close it, and the
// caller is responsible for calling Migrate.
func NewWithPool(pool *pgxpool.Pool, table string) *Sink {
	if table == "" {
		table = DefaultTable
	}
	return &Sink{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
	}
}

// Migrate creates the blob table if it does not exist.
func (s *Sink) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key        text PRIMARY KEY,
	value      bytea NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres sink: create table %s: %w", s.table, err)
	}
	return nil
}

// Close releases the pool if Open created it.
func (s *Sink) Close() {
	if s.owned {
		s.pool.Close()
	}
}

// Get implements sink.Sink.
func (s *Sink) Get(ctx context.Context, key string) ([]byte, error) {
	key = sink.NormalizeKey(key)

	var value []byte
	q := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.table)
	err := s.pool.QueryRow(ctx, q, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get %q: %w", key, sink.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres sink: get %q: %w", key, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

// Set implements sink.Sink.
func (s *Sink) Set(ctx context.Context, key string, value []byte) error {
	key = sink.NormalizeKey(key)
	if value == nil {
		value = []byte{}
	}

	q := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, s.table)
	if _, err := s.pool.Exec(ctx, q, key, value); err != nil {
		return fmt.Errorf("postgres sink: set %q: %w", key, err)
	}
	return nil
}

// Has implements sink.Sink.
func (s *Sink) Has(ctx context.Context, key string) (bool, error) {
	key = sink.NormalizeKey(key)

	var exists bool
	q := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE key = $1)`, s.table)
	if err := s.pool.QueryRow(ctx, q, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres sink: has %q: %w", key, err)
	}
	return exists, nil
}

// List implements sink.Sink.
func (s *Sink) List(ctx context.Context, prefix string) ([]sink.Entry, error) {
	prefix = sink.NormalizeKey(prefix)

	q := fmt.Sprintf(`SELECT key, value FROM %s WHERE starts_with(key, $1) ORDER BY key COLLATE "C"`, s.table)
	rows, err := s.pool.Query(ctx, q, prefix)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: list %q: %w", prefix, err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sink.Entry, error) {
		var e sink.Entry
		err := row.Scan(&e.Key, &e.Content)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres sink: list %q: %w", prefix, err)
	}
	if entries == nil {
		entries = []sink.Entry{}
	}
	return entries, nil
}

var _ sink.Sink = (*Sink)(nil)
