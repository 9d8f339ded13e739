// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the asset server.
//
// # Description
//
// Metrics implements both optimistic.Metrics and storage.Observer, so one
// instance sees every publish, every bundle decision and every sink call.
// It also provides a gin middleware for per-route HTTP metrics.
//
// Metrics are registered against an injected registry rather than the
// global one, so tests and multiple servers in one process do not collide.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"strconv"
	"time"

	"github.com/AleutianAI/assetpipe/pkg/assets"
	"github.com/AleutianAI/assetpipe/pkg/optimistic"
	"github.com/AleutianAI/assetpipe/pkg/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "assetpipe"

// Metrics holds every collector the asset server exports.
type Metrics struct {
	// PublishTotal counts top-level operations.
	// Labels: op (publish_assets, publish_instructions, upload_feed,
	// bundle_feeds), type (js, css), status (success, error)
	PublishTotal *prometheus.CounterVec

	// PublishDurationSeconds measures top-level operations.
	// Labels: op, type
	PublishDurationSeconds *prometheus.HistogramVec

	// BundleOutcomesTotal counts BundleIfNeeded decisions.
	// Labels: type, outcome (built, exists, waiting, shared, failed)
	BundleOutcomesTotal *prometheus.CounterVec

	// BundleDurationSeconds measures built bundles only.
	// Labels: type
	BundleDurationSeconds *prometheus.HistogramVec

	// BundleSizeBytes measures built bundles only.
	// Labels: type
	BundleSizeBytes *prometheus.HistogramVec

	// RebundleFanout measures how many instructions a feed change touched.
	// Labels: type
	RebundleFanout *prometheus.HistogramVec

	// StorageDurationSeconds times sink calls.
	// Labels: method (persist, retrieve, exists)
	StorageDurationSeconds *prometheus.HistogramVec

	// StorageErrorsTotal counts failed sink calls.
	// Labels: method
	StorageErrorsTotal *prometheus.CounterVec

	// HTTPRequestsTotal counts HTTP requests.
	// Labels: method, route, status
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPRequestDurationSeconds measures HTTP requests.
	// Labels: method, route
	HTTPRequestDurationSeconds *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors on reg.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PublishTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "publish_total",
				Help:      "Total publish operations by operation, asset type and status",
			},
			[]string{"op", "type", "status"},
		),

		PublishDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "publish_duration_seconds",
				Help:      "Publish operation duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"op", "type"},
		),

		BundleOutcomesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "bundle",
				Name:      "outcomes_total",
				Help:      "Bundle decisions by asset type and outcome",
			},
			[]string{"type", "outcome"},
		),

		BundleDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "bundle",
				Name:      "duration_seconds",
				Help:      "Time to fetch feeds, bundle and store a new bundle",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"type"},
		),

		BundleSizeBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "bundle",
				Name:      "size_bytes",
				Help:      "Size of newly built bundles in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
			},
			[]string{"type"},
		),

		RebundleFanout: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "bundle",
				Name:      "rebundle_fanout",
				Help:      "Number of dependent instructions considered per feed change",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"type"},
		),

		StorageDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "storage",
				Name:      "duration_seconds",
				Help:      "Sink call duration by method",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method"},
		),

		StorageErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "storage",
				Name:      "errors_total",
				Help:      "Failed sink calls by method",
			},
			[]string{"method"},
		),

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),

		HTTPRequestDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration by method and route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// =============================================================================
// optimistic.Metrics
// =============================================================================

// ObservePublish implements optimistic.Metrics.
func (m *Metrics) ObservePublish(op string, t assets.AssetType, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.PublishTotal.WithLabelValues(op, t.String(), status).Inc()
	m.PublishDurationSeconds.WithLabelValues(op, t.String()).Observe(elapsed.Seconds())
}

// ObserveBundle implements optimistic.Metrics.
func (m *Metrics) ObserveBundle(t assets.AssetType, outcome string, elapsed time.Duration, size int) {
	m.BundleOutcomesTotal.WithLabelValues(t.String(), outcome).Inc()
	if outcome == optimistic.OutcomeBuilt {
		m.BundleDurationSeconds.WithLabelValues(t.String()).Observe(elapsed.Seconds())
		m.BundleSizeBytes.WithLabelValues(t.String()).Observe(float64(size))
	}
}

// ObserveFanout implements optimistic.Metrics.
func (m *Metrics) ObserveFanout(t assets.AssetType, instructions int) {
	m.RebundleFanout.WithLabelValues(t.String()).Observe(float64(instructions))
}

// =============================================================================
// storage.Observer
// =============================================================================

// ObserveStorage implements storage.Observer.
func (m *Metrics) ObserveStorage(method string, elapsed time.Duration, err error) {
	m.StorageDurationSeconds.WithLabelValues(method).Observe(elapsed.Seconds())
	if err != nil {
		m.StorageErrorsTotal.WithLabelValues(method).Inc()
	}
}

// =============================================================================
// HTTP
// =============================================================================

// Middleware records HTTP request metrics labelled by route template, so
// /bundle/:file is one series regardless of the file requested.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDurationSeconds.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

var (
	_ optimistic.Metrics = (*Metrics)(nil)
	_ storage.Observer   = (*Metrics)(nil)
)
