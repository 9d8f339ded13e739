// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs stores blobs as objects in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/AleutianAI/assetpipe/pkg/sink"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Config describes the bucket and credentials.
type Config struct {
	// Bucket is the bucket name. Required.
	Bucket string

	// Prefix is prepended to every key, e.g. "assets/prod". Optional.
	Prefix string

	// CredentialsFile is a service account key. Empty uses Application
	// Default Credentials.
	CredentialsFile string

	// Endpoint overrides the API endpoint, for emulators such as
	// fake-gcs-server. Empty uses the public endpoint.
	Endpoint string
}

// Sink is a sink.Sink backed by a GCS bucket.
//
// # Description
//
// Content-addressed objects (feeds and bundles) are written with a long,
// immutable Cache-Control. Tag pointers, instructions, index entries and
// metadata are mutable and written with no-cache.
//
// # Thread Safety
//
// Safe for concurrent use.
type Sink struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	owned  bool
}

// New creates a GCS sink and its storage client.
//
// # Inputs
//
//   - ctx: Used for client construction only.
//   - cfg: Bucket configuration.
//
// # Outputs
//
//   - *Sink: Ready to use. Caller must call Close.
//   - error: Non-nil if the bucket is missing, the key file does not
//     exist, or the client cannot be created.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs sink: bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("gcs sink: service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs sink: create storage client: %w", err)
	}

	s := NewWithClient(client, cfg.Bucket, cfg.Prefix)
	s.owned = true
	return s, nil
}

// NewWithClient wraps an existing client. Close will not close it.
func NewWithClient(client *storage.Client, bucket, prefix string) *Sink {
	return &Sink{
		client: client,
		bucket: client.Bucket(bucket),
		prefix: strings.Trim(prefix, "/"),
	}
}

// Close releases the storage client if New created it.
func (s *Sink) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *Sink) objectName(key string) string {
	key = sink.NormalizeKey(key)
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Sink) keyFromObject(name string) string {
	if s.prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, s.prefix+"/")
}

// Get implements sink.Sink.
func (s *Sink) Get(ctx context.Context, key string) ([]byte, error) {
	name := s.objectName(key)
	r, err := s.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("get %q: %w", key, sink.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs sink: open %s: %w", name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs sink: read %s: %w", name, err)
	}
	return data, nil
}

// Set implements sink.Sink.
func (s *Sink) Set(ctx context.Context, key string, value []byte) error {
	name := s.objectName(key)

	// Cancelling the writer's context aborts the upload.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = ContentType(name)
	w.CacheControl = CacheControl(name)

	if _, err := w.Write(value); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("gcs sink: write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs sink: close writer for %s: %w", name, err)
	}
	return nil
}

// Has implements sink.Sink.
func (s *Sink) Has(ctx context.Context, key string) (bool, error) {
	name := s.objectName(key)
	_, err := s.bucket.Object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs sink: attrs %s: %w", name, err)
	}
	return true, nil
}

// List implements sink.Sink.
//
// Each listed object is fetched individually. Listing is used for the
// reverse instruction index, where prefixes select a handful of objects.
func (s *Sink) List(ctx context.Context, prefix string) ([]sink.Entry, error) {
	query := &storage.Query{Prefix: s.objectName(prefix)}
	if err := query.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, fmt.Errorf("gcs sink: list attrs: %w", err)
	}

	entries := make([]sink.Entry, 0)
	it := s.bucket.Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs sink: list %q: %w", prefix, err)
		}
		key := s.keyFromObject(attrs.Name)
		data, err := s.Get(ctx, key)
		if sink.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, sink.Entry{Key: key, Content: data})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// ContentType picks the object content type from the key extension.
func ContentType(name string) string {
	switch path.Ext(name) {
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// CacheControl returns the Cache-Control header for an object.
//
// Objects at the top level are content addressed and never change.
// Anything under a directory is a mutable pointer or record.
func CacheControl(name string) string {
	base := path.Base(name)
	dir := path.Dir(name)
	if !isMutableDir(dir) && isContentAddressed(base) {
		return "public, max-age=31536000, immutable"
	}
	return "no-cache, no-store, must-revalidate"
}

func isMutableDir(dir string) bool {
	for _, seg := range strings.Split(dir, "/") {
		switch seg {
		case "tags", "instructions", "index", "meta":
			return true
		}
	}
	return false
}

func isContentAddressed(base string) bool {
	stem := strings.TrimSuffix(base, path.Ext(base))
	if len(stem) != 64 {
		return false
	}
	for _, c := range stem {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

var _ sink.Sink = (*Sink)(nil)
