// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the asset server configuration.
//
// # Sources
//
// Values are layered, later sources winning:
//
//  1. Built-in defaults (Default)
//  2. An optional YAML file
//  3. A .env file, loaded into the process environment without
//     overriding variables that are already set
//  4. ASSETPIPE_* environment variables (see env.go)
//
// CLI flags are applied by the caller after Load returns.
//
// # Example
//
//	server:
//	  port: 7100
//	  public_host: assets.example.com
//	  secure: true
//	sink:
//	  kind: gcs
//	  gcs:
//	    bucket: my-assets
//	bundler:
//	  mode: workers
//	  workers: 6
//	assets:
//	  minify: true
//	log:
//	  level: info
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/assetpipe/pkg/bundler"
	"github.com/AleutianAI/assetpipe/pkg/contentaddress"
	"github.com/AleutianAI/assetpipe/pkg/logging"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the historical asset server port.
const DefaultPort = 7100

// Sink kinds.
const (
	SinkMemory   = "memory"
	SinkFS       = "fs"
	SinkBadger   = "badger"
	SinkGCS      = "gcs"
	SinkPostgres = "postgres"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sink      SinkConfig      `yaml:"sink"`
	Bundler   BundlerConfig   `yaml:"bundler"`
	Assets    AssetsConfig    `yaml:"assets"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP listener and public URIs.
type ServerConfig struct {
	Port int `yaml:"port"`

	// GinMode is "debug", "release" or "test". Empty leaves gin's own
	// default (GIN_MODE or debug).
	GinMode string `yaml:"gin_mode"`

	// PublicHost is the host:port clients use to fetch assets. Empty uses
	// the request's Host header.
	PublicHost string `yaml:"public_host"`

	// Secure selects https for public URIs.
	Secure bool `yaml:"secure"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// PublishRate limits write requests per second across all clients.
	// Zero disables limiting.
	PublishRate float64 `yaml:"publish_rate"`

	// PublishBurst is the token bucket size. Default: 2 x PublishRate,
	// at least 1.
	PublishBurst int `yaml:"publish_burst"`
}

// SinkConfig selects and configures the durable store.
type SinkConfig struct {
	// Kind is one of memory, fs, badger, gcs, postgres. Default: fs.
	Kind string `yaml:"kind"`

	// RetryAttempts is the number of retries for transient sink failures.
	// Zero disables retrying. Default: 3.
	RetryAttempts int `yaml:"retry_attempts"`

	FS       FSConfig       `yaml:"fs"`
	Badger   BadgerConfig   `yaml:"badger"`
	GCS      GCSConfig      `yaml:"gcs"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// FSConfig configures the filesystem sink.
type FSConfig struct {
	Dir string `yaml:"dir"`
}

// BadgerConfig configures the embedded Badger sink.
type BadgerConfig struct {
	Dir        string        `yaml:"dir"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// GCSConfig configures the Google Cloud Storage sink.
type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
	Endpoint        string `yaml:"endpoint"`
}

// PostgresConfig configures the PostgreSQL sink.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	Table    string `yaml:"table"`
	MaxConns int32  `yaml:"max_conns"`
}

// BundlerConfig selects the bundler implementation.
type BundlerConfig struct {
	// Mode is "inprocess" or "workers". Default: workers.
	Mode string `yaml:"mode"`

	// Workers bounds concurrent worker processes. Default: 6.
	Workers int `yaml:"workers"`
}

// AssetsConfig holds publish defaults. Minify and SourceMaps may be
// changed at runtime through the config watcher.
type AssetsConfig struct {
	Minify          bool   `yaml:"minify"`
	SourceMaps      bool   `yaml:"source_maps"`
	FallbackBundles bool   `yaml:"fallback_bundles"`
	HashAlgorithm   string `yaml:"hash_algorithm"`
}

// Trace exporters.
const (
	TraceExporterOTLP   = "otlp"
	TraceExporterStdout = "stdout"
)

// TelemetryConfig configures tracing and metrics.
type TelemetryConfig struct {
	Tracing bool `yaml:"tracing"`

	// TraceExporter is "otlp" (gRPC to OTelEndpoint) or "stdout" for
	// local debugging. Default: otlp.
	TraceExporter string `yaml:"trace_exporter"`

	OTelEndpoint string `yaml:"otel_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Metrics      bool   `yaml:"metrics"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			ShutdownTimeout: 10 * time.Second,
		},
		Sink: SinkConfig{
			Kind:          SinkFS,
			RetryAttempts: 3,
			FS:            FSConfig{Dir: "./data"},
			Badger: BadgerConfig{
				Dir:        "./data/badger",
				SyncWrites: true,
				GCInterval: 10 * time.Minute,
			},
		},
		Bundler: BundlerConfig{
			Mode:    string(bundler.ModeWorkers),
			Workers: bundler.DefaultWorkers,
		},
		Assets: AssetsConfig{
			FallbackBundles: true,
			HashAlgorithm:   string(contentaddress.SHA256),
		},
		Telemetry: TelemetryConfig{
			TraceExporter: TraceExporterOTLP,
			OTelEndpoint:  "localhost:4317",
			ServiceName:   "assetpipe",
			Metrics:       true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: string(logging.FormatAuto),
		},
	}
}

// LoadOptions controls where Load reads from.
type LoadOptions struct {
	// Path is the YAML file. Empty skips the file. A path that does not
	// exist is an error only when Required is set.
	Path     string
	Required bool

	// EnvFile is the dotenv file. Empty tries ".env" and ignores its
	// absence.
	EnvFile string

	// SkipEnv disables .env loading and environment overrides.
	SkipEnv bool
}

// Load builds a validated Config from defaults, the YAML file, .env and
// the environment.
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.Path != "" {
		if err := cfg.mergeFile(opts.Path, opts.Required); err != nil {
			return nil, err
		}
	}

	if !opts.SkipEnv {
		if err := loadDotenv(opts.EnvFile); err != nil {
			return nil, err
		}
		if err := applyEnv(&cfg, os.LookupEnv); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) mergeFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func loadDotenv(path string) error {
	if path == "" {
		_ = godotenv.Load()
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// applyDefaults fills zero values a file may have set explicitly.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	c.Sink.Kind = strings.ToLower(strings.TrimSpace(c.Sink.Kind))
	if c.Sink.Kind == "" {
		c.Sink.Kind = def.Sink.Kind
	}
	c.Bundler.Mode = strings.ToLower(strings.TrimSpace(c.Bundler.Mode))
	if c.Bundler.Mode == "" {
		c.Bundler.Mode = def.Bundler.Mode
	}
	if c.Bundler.Workers == 0 {
		c.Bundler.Workers = def.Bundler.Workers
	}
	if c.Assets.HashAlgorithm == "" {
		c.Assets.HashAlgorithm = def.Assets.HashAlgorithm
	}
	if c.Server.PublishRate > 0 && c.Server.PublishBurst <= 0 {
		c.Server.PublishBurst = max(1, int(2*c.Server.PublishRate))
	}
	c.Telemetry.TraceExporter = strings.ToLower(strings.TrimSpace(c.Telemetry.TraceExporter))
	if c.Telemetry.TraceExporter == "" {
		c.Telemetry.TraceExporter = def.Telemetry.TraceExporter
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Server.GinMode {
	case "", "debug", "release", "test":
	default:
		return fmt.Errorf("server.gin_mode %q must be debug, release or test", c.Server.GinMode)
	}

	if c.Server.PublishRate < 0 {
		return errors.New("server.publish_rate must not be negative")
	}

	if c.Sink.RetryAttempts < 0 {
		return fmt.Errorf("sink.retry_attempts must not be negative")
	}
	switch c.Sink.Kind {
	case SinkMemory:
	case SinkFS:
		if c.Sink.FS.Dir == "" {
			return errors.New("sink.fs.dir is required for the fs sink")
		}
	case SinkBadger:
		if c.Sink.Badger.Dir == "" && !c.Sink.Badger.InMemory {
			return errors.New("sink.badger.dir is required unless sink.badger.in_memory is set")
		}
	case SinkGCS:
		if c.Sink.GCS.Bucket == "" {
			return errors.New("sink.gcs.bucket is required for the gcs sink")
		}
	case SinkPostgres:
		if c.Sink.Postgres.DSN == "" {
			return errors.New("sink.postgres.dsn is required for the postgres sink")
		}
	default:
		return fmt.Errorf("sink.kind %q must be one of memory, fs, badger, gcs, postgres", c.Sink.Kind)
	}

	switch bundler.Mode(c.Bundler.Mode) {
	case bundler.ModeInProcess, bundler.ModeWorkers:
	default:
		return fmt.Errorf("bundler.mode %q must be %s or %s", c.Bundler.Mode, bundler.ModeInProcess, bundler.ModeWorkers)
	}
	if c.Bundler.Workers < 0 {
		return errors.New("bundler.workers must not be negative")
	}

	if _, err := contentaddress.ParseAlgorithm(c.Assets.HashAlgorithm); err != nil {
		return fmt.Errorf("assets.hash_algorithm: %w", err)
	}
	switch c.Telemetry.TraceExporter {
	case TraceExporterOTLP:
		if c.Telemetry.Tracing && c.Telemetry.OTelEndpoint == "" {
			return errors.New("telemetry.otel_endpoint is required when tracing is enabled")
		}
	case TraceExporterStdout:
	default:
		return fmt.Errorf("telemetry.trace_exporter %q must be otlp or stdout", c.Telemetry.TraceExporter)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}
	return nil
}

// LogLevel returns the parsed log level. Validate guarantees it parses.
func (c *Config) LogLevel() logging.Level {
	level, _ := logging.ParseLevel(c.Log.Level)
	return level
}

// LogFormat returns the parsed log format.
func (c *Config) LogFormat() logging.Format {
	format, _ := logging.ParseFormat(c.Log.Format)
	return format
}

// Hash returns the parsed hash algorithm.
func (c *Config) Hash() contentaddress.Algorithm {
	alg, _ := contentaddress.ParseAlgorithm(c.Assets.HashAlgorithm)
	return alg
}
