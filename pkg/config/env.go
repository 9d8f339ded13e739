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
	"fmt"
	"strconv"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ASSETPIPE_"

// lookupFunc matches os.LookupEnv.
type lookupFunc func(key string) (string, bool)

// envBinding maps one variable onto one field.
type envBinding struct {
	name  string
	apply func(c *Config, v string) error
}

func str(set func(c *Config, v string)) func(*Config, string) error {
	return func(c *Config, v string) error {
		set(c, v)
		return nil
	}
}

func integer(set func(c *Config, v int)) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		set(c, n)
		return nil
	}
}

func float(set func(c *Config, v float64)) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		set(c, f)
		return nil
	}
}

func boolean(set func(c *Config, v bool)) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		set(c, b)
		return nil
	}
}

func duration(set func(c *Config, v time.Duration)) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		set(c, d)
		return nil
	}
}

// envBindings lists every ASSETPIPE_* override. OTEL_EXPORTER_OTLP_ENDPOINT
// and DATABASE_URL are honoured as lower-priority fallbacks and are listed
// first so the prefixed names win.
var envBindings = []envBinding{
	{"OTEL_EXPORTER_OTLP_ENDPOINT", str(func(c *Config, v string) { c.Telemetry.OTelEndpoint = v })},
	{"DATABASE_URL", str(func(c *Config, v string) { c.Sink.Postgres.DSN = v })},

	{EnvPrefix + "PORT", integer(func(c *Config, v int) { c.Server.Port = v })},
	{EnvPrefix + "GIN_MODE", str(func(c *Config, v string) { c.Server.GinMode = v })},
	{EnvPrefix + "PUBLIC_HOST", str(func(c *Config, v string) { c.Server.PublicHost = v })},
	{EnvPrefix + "SECURE", boolean(func(c *Config, v bool) { c.Server.Secure = v })},
	{EnvPrefix + "SHUTDOWN_TIMEOUT", duration(func(c *Config, v time.Duration) { c.Server.ShutdownTimeout = v })},
	{EnvPrefix + "PUBLISH_RATE", float(func(c *Config, v float64) { c.Server.PublishRate = v })},
	{EnvPrefix + "PUBLISH_BURST", integer(func(c *Config, v int) { c.Server.PublishBurst = v })},

	{EnvPrefix + "SINK", str(func(c *Config, v string) { c.Sink.Kind = v })},
	{EnvPrefix + "RETRY_ATTEMPTS", integer(func(c *Config, v int) { c.Sink.RetryAttempts = v })},
	{EnvPrefix + "FS_DIR", str(func(c *Config, v string) { c.Sink.FS.Dir = v })},
	{EnvPrefix + "BADGER_DIR", str(func(c *Config, v string) { c.Sink.Badger.Dir = v })},
	{EnvPrefix + "BADGER_IN_MEMORY", boolean(func(c *Config, v bool) { c.Sink.Badger.InMemory = v })},
	{EnvPrefix + "GCS_BUCKET", str(func(c *Config, v string) { c.Sink.GCS.Bucket = v })},
	{EnvPrefix + "GCS_PREFIX", str(func(c *Config, v string) { c.Sink.GCS.Prefix = v })},
	{EnvPrefix + "GCS_CREDENTIALS", str(func(c *Config, v string) { c.Sink.GCS.CredentialsFile = v })},
	{EnvPrefix + "GCS_ENDPOINT", str(func(c *Config, v string) { c.Sink.GCS.Endpoint = v })},
	{EnvPrefix + "POSTGRES_DSN", str(func(c *Config, v string) { c.Sink.Postgres.DSN = v })},
	{EnvPrefix + "POSTGRES_TABLE", str(func(c *Config, v string) { c.Sink.Postgres.Table = v })},

	{EnvPrefix + "BUNDLER_MODE", str(func(c *Config, v string) { c.Bundler.Mode = v })},
	{EnvPrefix + "WORKERS", integer(func(c *Config, v int) { c.Bundler.Workers = v })},

	{EnvPrefix + "MINIFY", boolean(func(c *Config, v bool) { c.Assets.Minify = v })},
	{EnvPrefix + "SOURCE_MAPS", boolean(func(c *Config, v bool) { c.Assets.SourceMaps = v })},
	{EnvPrefix + "FALLBACK_BUNDLES", boolean(func(c *Config, v bool) { c.Assets.FallbackBundles = v })},
	{EnvPrefix + "HASH", str(func(c *Config, v string) { c.Assets.HashAlgorithm = v })},

	{EnvPrefix + "TRACING", boolean(func(c *Config, v bool) { c.Telemetry.Tracing = v })},
	{EnvPrefix + "TRACE_EXPORTER", str(func(c *Config, v string) { c.Telemetry.TraceExporter = v })},
	{EnvPrefix + "OTEL_ENDPOINT", str(func(c *Config, v string) { c.Telemetry.OTelEndpoint = v })},
	{EnvPrefix + "METRICS", boolean(func(c *Config, v bool) { c.Telemetry.Metrics = v })},

	{EnvPrefix + "LOG_LEVEL", str(func(c *Config, v string) { c.Log.Level = v })},
	{EnvPrefix + "LOG_FORMAT", str(func(c *Config, v string) { c.Log.Format = v })},
	{EnvPrefix + "LOG_DIR", str(func(c *Config, v string) { c.Log.Dir = v })},
}

// applyEnv applies every set variable in envBindings order. Empty values
// are ignored.
func applyEnv(c *Config, lookup lookupFunc) error {
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.apply(c, v); err != nil {
			return fmt.Errorf("invalid %s=%q: %w", b.name, v, err)
		}
	}
	return nil
}
