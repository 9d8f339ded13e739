// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assetserver wires the optimistic bundling engine to HTTP.
//
// This package assembles every component of the server from a config.Config:
// the durable sink, the bundler, the reconciliation engine, Prometheus
// metrics, OpenTelemetry tracing and the gin router.
//
// # Usage
//
//	cfg, err := config.Load(config.LoadOptions{Path: "assetpipe.yaml"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := assetserver.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//	err = svc.Run(ctx) // returns after ctx is cancelled and requests drain
//
// Tests inject a sink and bundler:
//
//	svc, err := assetserver.New(ctx, cfg,
//	    assetserver.WithSink(sink.NewMemory()),
//	    assetserver.WithBundler(bundler.NewInProcess()))
package assetserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/AleutianAI/assetpipe/pkg/assets"
	"github.com/AleutianAI/assetpipe/pkg/bundler"
	"github.com/AleutianAI/assetpipe/pkg/config"
	"github.com/AleutianAI/assetpipe/pkg/contentaddress"
	"github.com/AleutianAI/assetpipe/pkg/logging"
	"github.com/AleutianAI/assetpipe/pkg/metastorage"
	"github.com/AleutianAI/assetpipe/pkg/optimistic"
	"github.com/AleutianAI/assetpipe/pkg/sink"
	badgersink "github.com/AleutianAI/assetpipe/pkg/sink/badger"
	fssink "github.com/AleutianAI/assetpipe/pkg/sink/fs"
	gcssink "github.com/AleutianAI/assetpipe/pkg/sink/gcs"
	pgsink "github.com/AleutianAI/assetpipe/pkg/sink/postgres"
	"github.com/AleutianAI/assetpipe/pkg/storage"
	"github.com/AleutianAI/assetpipe/services/assetserver/datatypes"
	"github.com/AleutianAI/assetpipe/services/assetserver/handlers"
	"github.com/AleutianAI/assetpipe/services/assetserver/middleware"
	"github.com/AleutianAI/assetpipe/services/assetserver/observability"
	"github.com/AleutianAI/assetpipe/services/assetserver/routes"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the asset server lifecycle.
//
// # Thread Safety
//
// Run should be called at most once. ApplyRuntime and Close are safe to
// call concurrently with Run.
type Service interface {
	// Run serves HTTP until ctx is cancelled, then shuts down gracefully
	// within the configured timeout. It returns nil on a clean shutdown.
	Run(ctx context.Context) error

	// Router returns the gin engine for tests.
	Router() *gin.Engine

	// Handler returns the full HTTP handler, including compression.
	Handler() http.Handler

	// ApplyRuntime applies the hot-reloadable parts of cfg: the log level
	// and the default minify and source map options.
	ApplyRuntime(cfg *config.Config)

	// Close releases the bundler, the sink and the tracer. Idempotent.
	Close() error
}

// =============================================================================
// Options
// =============================================================================

type options struct {
	logger   *logging.Logger
	sink     sink.Sink
	bundler  bundler.Bundler
	registry *prometheus.Registry
	version  string
}

// Option customizes New.
type Option func(*options)

// WithLogger sets the logger. Default: logging.New from the log config.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSink injects a sink instead of opening the configured one. An
// injected sink is not closed by Close.
func WithSink(s sink.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithBundler injects a bundler instead of creating the configured one.
func WithBundler(b bundler.Bundler) Option {
	return func(o *options) { o.bundler = b }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	cfg        *config.Config
	logger     *logging.Logger
	ownsLogger bool
	defaults   *handlers.Defaults

	sink      sink.Sink
	sinkClose func() error
	bundler   bundler.Bundler
	engine    *optimistic.Engine
	registry  *prometheus.Registry
	router    *gin.Engine
	handler   http.Handler

	tracerCleanup func(context.Context)
	closeOnce     sync.Once
	closeErr      error
}

// New assembles a Service from cfg.
//
// # Description
//
// Opens the configured sink (wrapped with retries when
// Sink.RetryAttempts > 0), creates the bundler and engine, registers
// metrics, starts tracing when enabled and builds the router. On error,
// everything opened so far is released.
//
// # Inputs
//
//   - ctx: Bounds sink connection setup only.
//   - cfg: A validated configuration.
//   - opts: Injected dependencies.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if any component fails to start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (Service, error) {
	if cfg == nil {
		return nil, errors.New("assetserver: nil config")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	ownsLogger := o.logger == nil
	if ownsLogger {
		o.logger = logging.New(logging.Config{
			Level:   cfg.LogLevel(),
			Format:  cfg.LogFormat(),
			LogDir:  cfg.Log.Dir,
			Service: cfg.Telemetry.ServiceName,
		})
	}

	s := &service{
		cfg:        cfg,
		logger:     o.logger,
		ownsLogger: ownsLogger,
		defaults: handlers.NewDefaults(assets.Options{
			Minify:     cfg.Assets.Minify,
			SourceMaps: cfg.Assets.SourceMaps,
			Rebundle:   true,
		}),
	}
	slogger := s.logger.Slog()

	if cfg.Server.GinMode != "" {
		gin.SetMode(cfg.Server.GinMode)
	}

	if cfg.Telemetry.Tracing {
		cleanup, err := s.initTracer(ctx)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if o.sink != nil {
		s.sink = o.sink
	} else {
		opened, closeFn, err := openSink(ctx, cfg.Sink, slogger)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to open %s sink: %w", cfg.Sink.Kind, err)
		}
		s.sink, s.sinkClose = opened, closeFn
	}
	if cfg.Sink.RetryAttempts > 0 {
		s.sink = sink.NewRetrying(s.sink, sink.RetryConfig{
			Retries: cfg.Sink.RetryAttempts,
			Logger:  slogger,
		})
	}

	if o.bundler != nil {
		s.bundler = o.bundler
	} else {
		b, err := bundler.New(bundler.Config{
			Mode:    bundler.Mode(cfg.Bundler.Mode),
			Workers: cfg.Bundler.Workers,
			Logger:  slogger,
		})
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to create bundler: %w", err)
		}
		s.bundler = b
	}

	hasher, err := contentaddress.New(cfg.Hash())
	if err != nil {
		s.cleanup()
		return nil, err
	}

	var (
		metrics        *observability.Metrics
		metricsHandler http.Handler
		storageOpts    = []storage.Option{storage.WithLogger(slogger)}
		engineMetrics  optimistic.Metrics
	)
	if cfg.Telemetry.Metrics {
		s.registry = o.registry
		if s.registry == nil {
			s.registry = prometheus.NewRegistry()
			s.registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}
		metrics = observability.NewMetrics(s.registry)
		metricsHandler = promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
		storageOpts = append(storageOpts, storage.WithObserver(metrics))
		engineMetrics = metrics
	}

	st := storage.New(s.sink, storageOpts...)
	s.engine = optimistic.New(st, s.bundler, optimistic.Config{
		Hasher:          hasher,
		FallbackBundles: cfg.Assets.FallbackBundles,
		Logger:          slogger,
		Metrics:         engineMetrics,
	})

	deps := &handlers.Deps{
		Engine:     s.engine,
		Storage:    st,
		Meta:       metastorage.New(s.sink),
		Defaults:   s.defaults,
		PublicHost: cfg.Server.PublicHost,
		Secure:     cfg.Server.Secure,
		Health: datatypes.HealthResponse{
			Sink:    cfg.Sink.Kind,
			Bundler: cfg.Bundler.Mode,
			Hash:    string(cfg.Hash()),
			Version: o.version,
		},
	}
	s.initRouter(deps, metrics, metricsHandler)
	return s, nil
}

// Run serves until ctx is cancelled.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *service) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Slog().Info("Starting asset server",
			"addr", ln.Addr().String(),
			"sink", s.cfg.Sink.Kind,
			"bundler", s.cfg.Bundler.Mode,
		)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Slog().Info("Shutting down asset server", "timeout", s.cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Handler() http.Handler {
	return s.handler
}

func (s *service) ApplyRuntime(cfg *config.Config) {
	s.logger.SetLevel(cfg.LogLevel())
	s.defaults.Store(assets.Options{
		Minify:     cfg.Assets.Minify,
		SourceMaps: cfg.Assets.SourceMaps,
		Rebundle:   true,
	})
	s.logger.Slog().Info("Applied runtime configuration",
		"log_level", cfg.LogLevel().String(),
		"minify", cfg.Assets.Minify,
		"source_maps", cfg.Assets.SourceMaps,
	)
}

func (s *service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cleanup()
	})
	return s.closeErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// openSink opens the durable store selected by cfg.Kind and returns its
// close function, which is nil for stores with nothing to release.
func openSink(ctx context.Context, cfg config.SinkConfig, logger *slog.Logger) (sink.Sink, func() error, error) {
	switch cfg.Kind {
	case config.SinkMemory:
		return sink.NewMemory(), nil, nil

	case config.SinkFS:
		s, err := fssink.New(cfg.FS.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil

	case config.SinkBadger:
		bcfg := badgersink.DefaultConfig(cfg.Badger.Dir)
		bcfg.InMemory = cfg.Badger.InMemory
		bcfg.SyncWrites = cfg.Badger.SyncWrites
		bcfg.GCInterval = cfg.Badger.GCInterval
		bcfg.Logger = logger.With("component", "badger")
		s, err := badgersink.Open(bcfg)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.SinkGCS:
		s, err := gcssink.New(ctx, gcssink.Config{
			Bucket:          cfg.GCS.Bucket,
			Prefix:          cfg.GCS.Prefix,
			CredentialsFile: cfg.GCS.CredentialsFile,
			Endpoint:        cfg.GCS.Endpoint,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.SinkPostgres:
		s, err := pgsink.Open(ctx, pgsink.Config{
			DSN:      cfg.Postgres.DSN,
			Table:    cfg.Postgres.Table,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { s.Close(); return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// Creates the configured span exporter (OTLP over gRPC, or stdout for
// local debugging) and installs it as the global tracer provider, which
// the engine and otelgin both use.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (appropriate for internal networks)
func (s *service) initTracer(ctx context.Context) (func(context.Context), error) {
	var (
		exporter sdktrace.SpanExporter
		conn     *grpc.ClientConn
		err      error
	)
	switch s.cfg.Telemetry.TraceExporter {
	case config.TraceExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	default:
		conn, err = grpc.NewClient(s.cfg.Telemetry.OTelEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(s.cfg.Telemetry.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(exporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			s.logger.Slog().Error("failed to shutdown tracer provider", "error", err)
		}
		if conn != nil {
			_ = conn.Close()
		}
	}
	return cleanup, nil
}

// initRouter builds the gin engine and the compressed handler around it.
func (s *service) initRouter(deps *handlers.Deps, metrics *observability.Metrics, metricsHandler http.Handler) {
	s.router = gin.New()
	s.router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.AccessLog(s.logger.Slog()),
	)
	if metrics != nil {
		s.router.Use(metrics.Middleware())
	}
	if s.cfg.Telemetry.Tracing {
		s.router.Use(otelgin.Middleware(s.cfg.Telemetry.ServiceName))
	}
	s.router.Use(middleware.CORS())

	var write []gin.HandlerFunc
	if s.cfg.Server.PublishRate > 0 {
		limiter := rate.NewLimiter(rate.Limit(s.cfg.Server.PublishRate), s.cfg.Server.PublishBurst)
		write = append(write, middleware.RateLimit(limiter))
	}
	routes.SetupRoutes(s.router, deps, metricsHandler, write...)
	s.handler = gzhttp.GzipHandler(s.router)
}

// cleanup releases everything New opened, in reverse order.
func (s *service) cleanup() error {
	var errs []error
	if s.bundler != nil {
		if err := s.bundler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bundler: %w", err))
		}
	}
	if s.sinkClose != nil {
		if err := s.sinkClose(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	if s.ownsLogger {
		if err := s.logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close logger: %w", err))
		}
	}
	return errors.Join(errs...)
}
