// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assetserver

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/assetpipe/pkg/bundler"
	"github.com/AleutianAI/assetpipe/pkg/config"
	"github.com/AleutianAI/assetpipe/pkg/logging"
	"github.com/AleutianAI/assetpipe/pkg/sink"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Sink.Kind = config.SinkMemory
	cfg.Sink.RetryAttempts = 0
	cfg.Bundler.Mode = string(bundler.ModeInProcess)
	cfg.Server.ShutdownTimeout = 2 * time.Second
	return &cfg
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Output: io.Discard, Level: logging.LevelError})
}

func newTestService(t *testing.T, cfg *config.Config) (*service, *sink.Memory) {
	t.Helper()
	mem := sink.NewMemory()
	svc, err := New(context.Background(), cfg,
		WithLogger(quietLogger()),
		WithSink(mem),
		WithBundler(bundler.NewInProcess()),
		WithVersion("test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc.(*service), mem
}

func request(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// =============================================================================
// New
// =============================================================================

func TestNew_NilConfig(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.Error(t, err)
}

func TestNew_UnknownSink(t *testing.T) {
	cfg := testConfig()
	cfg.Sink.Kind = "s3"
	_, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	assert.ErrorContains(t, err, "unknown sink kind")
}

func TestNew_OpensConfiguredSinks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"memory", func(c *config.Config) {}},
		{"fs", func(c *config.Config) {
			c.Sink.Kind = config.SinkFS
			c.Sink.FS.Dir = t.TempDir()
		}},
		{"badger in memory", func(c *config.Config) {
			c.Sink.Kind = config.SinkBadger
			c.Sink.Badger.InMemory = true
			c.Sink.Badger.GCInterval = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Sink.RetryAttempts = 2
			tt.mutate(cfg)

			svc, err := New(context.Background(), cfg, WithLogger(quietLogger()))
			require.NoError(t, err)
			defer svc.Close()

			w := request(t, svc.Handler(), http.MethodPost, "/feed/css", `[{"id":"a","content":"a{}"}]`)
			assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
			_, retrying := svc.(*service).sink.(*sink.Retrying)
			assert.True(t, retrying)
		})
	}
}

func TestClose_Idempotent(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	assert.NoError(t, svc.Close())
	assert.NoError(t, svc.Close())
}

// =============================================================================
// HTTP surface
// =============================================================================

func TestService_PublishAndServe(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	h := svc.Handler()

	w := request(t, h, http.MethodPost, "/publish-instructions", `{"tag":"page","type":"css","data":["theme"]}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = request(t, h, http.MethodPost, "/v1/publish-assets", `{"tag":"theme","type":"css","data":[{"id":"t","content":"body{color:red}"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = request(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"test"`)
	assert.Contains(t, w.Body.String(), `"sink":"memory"`)
}

func TestService_Metrics(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	h := svc.Handler()

	request(t, h, http.MethodPost, "/feed/js", `[{"id":"a","source":"x"}]`)

	w := request(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `assetpipe_publish_total{op="upload_feed",status="success",type="js"} 1`)
	assert.Contains(t, body, "assetpipe_storage_duration_seconds")
	assert.Contains(t, body, `assetpipe_http_requests_total{method="POST",route="/feed/:type",status="200"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestService_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Telemetry.Metrics = false
	svc, _ := newTestService(t, cfg)

	w := request(t, svc.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestService_GzipLargeResponses(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	h := svc.Handler()

	w := request(t, h, http.MethodPut, "/meta/big", fmt.Sprintf(`{"blob":%q}`, strings.Repeat("asset ", 2000)))
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = request(t, h, http.MethodGet, "/meta/big", "", "Accept-Encoding", "gzip")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(plain), "asset asset")
}

func TestService_CORSPreflight(t *testing.T) {
	svc, _ := newTestService(t, testConfig())

	w := request(t, svc.Handler(), http.MethodOptions, "/publish-assets", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

// =============================================================================
// Runtime reload
// =============================================================================

func TestApplyRuntime(t *testing.T) {
	svc, _ := newTestService(t, testConfig())
	assert.False(t, svc.defaults.Load().Minify)

	next := testConfig()
	next.Assets.Minify = true
	next.Log.Level = "debug"
	svc.ApplyRuntime(next)

	opts := svc.defaults.Load()
	assert.True(t, opts.Minify)
	assert.True(t, opts.Rebundle)
	assert.True(t, svc.logger.Enabled(logging.LevelDebug))
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestServe_GracefulShutdown(t *testing.T) {
	svc, _ := newTestService(t, testConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRun_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
	svc, _ := newTestService(t, cfg)

	err = svc.Run(context.Background())
	assert.ErrorContains(t, err, "listen")
}

func TestOpenSink_Memory(t *testing.T) {
	s, closeFn, err := openSink(context.Background(), config.SinkConfig{Kind: config.SinkMemory}, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, closeFn)
	assert.IsType(t, &sink.Memory{}, s)
}

func TestService_PublishRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.PublishRate = 0.001
	cfg.Server.PublishBurst = 1
	svc, _ := newTestService(t, cfg)
	h := svc.Handler()

	body := `[{"id":"a","content":"a{}"}]`
	assert.Equal(t, http.StatusOK, request(t, h, http.MethodPost, "/feed/css", body).Code)
	w := request(t, h, http.MethodPost, "/feed/css", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, request(t, h, http.MethodGet, "/health", "").Code)
}

func TestService_StdoutTracing(t *testing.T) {
	cfg := testConfig()
	cfg.Telemetry.Tracing = true
	cfg.Telemetry.TraceExporter = config.TraceExporterStdout
	svc, _ := newTestService(t, cfg)

	w := request(t, svc.Handler(), http.MethodPost, "/feed/js", `[{"id":"a","source":"x"}]`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, svc.Close())
}
