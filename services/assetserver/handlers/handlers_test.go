// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/assetpipe/pkg/assets"
	"github.com/AleutianAI/assetpipe/pkg/bundler"
	"github.com/AleutianAI/assetpipe/pkg/contentaddress"
	"github.com/AleutianAI/assetpipe/pkg/metastorage"
	"github.com/AleutianAI/assetpipe/pkg/optimistic"
	"github.com/AleutianAI/assetpipe/pkg/sink"
	"github.com/AleutianAI/assetpipe/pkg/storage"
	"github.com/AleutianAI/assetpipe/services/assetserver/datatypes"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test doubles
// =============================================================================

// stubBundler joins the JSON of each feed with newlines and records the
// options it was last called with.
type stubBundler struct {
	fail     bool
	calls    atomic.Int32
	lastOpts atomic.Pointer[assets.Options]
}

func (b *stubBundler) Bundle(_ context.Context, feeds []assets.Feed, t assets.AssetType, opts assets.Options) ([]byte, error) {
	b.calls.Add(1)
	b.lastOpts.Store(&opts)
	if b.fail {
		return nil, &bundler.BundlingError{Type: t, FeedCount: len(feeds), Err: errors.New("syntax error")}
	}
	var parts []string
	for _, f := range feeds {
		raw, _ := json.Marshal(f)
		parts = append(parts, string(raw))
	}
	return []byte(strings.Join(parts, "\n")), nil
}

func (b *stubBundler) Close() error { return nil }

type fixture struct {
	router  *gin.Engine
	sink    *sink.Memory
	bundler *stubBundler
	deps    *Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := sink.NewMemory()
	st := storage.New(mem)
	b := &stubBundler{}
	deps := &Deps{
		Engine:   optimistic.New(st, b, optimistic.Config{FallbackBundles: true}),
		Storage:  st,
		Meta:     metastorage.New(mem),
		Defaults: NewDefaults(assets.DefaultOptions()),
		Health:   datatypes.HealthResponse{Sink: "memory", Bundler: "inprocess", Hash: "sha256"},
	}

	r := gin.New()
	r.POST("/publish-assets", HandlePublishAssets(deps))
	r.POST("/publish-instructions", HandlePublishInstructions(deps))
	r.POST("/feed/:type", HandleUploadFeed(deps))
	r.GET("/feed/:file", HandleGetFeed(deps))
	r.POST("/bundle/:type", HandleBundleFeeds(deps))
	r.GET("/bundle/:file", HandleGetBundle(deps))
	r.PUT("/meta/:key", HandlePutMeta(deps))
	r.GET("/meta/:key", HandleGetMeta(deps))
	r.GET("/health", HandleHealth(deps))
	return &fixture{router: r, sink: mem, bundler: b, deps: deps}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) datatypes.ErrorResponse {
	t.Helper()
	var resp datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, w.Code, resp.StatusCode)
	assert.Equal(t, http.StatusText(w.Code), resp.Error)
	return resp
}

const feedBody = `[{"id":"a","source":"module.exports = 1;"}]`

func feedHash(t *testing.T, body string) string {
	t.Helper()
	var feed assets.Feed
	require.NoError(t, json.Unmarshal([]byte(body), &feed))
	canonical, err := contentaddress.Canonicalize(feed)
	require.NoError(t, err)
	return contentaddress.Default().HashBytes(canonical)
}

// =============================================================================
// POST /feed/:type
// =============================================================================

func TestHandleUploadFeed(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/feed/js", feedBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp datatypes.FeedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	hash := feedHash(t, feedBody)
	assert.Equal(t, hash, resp.ID)
	assert.Equal(t, hash+".json", resp.File)
	assert.Equal(t, "http://example.com/feed/"+hash+".json", resp.URI)

	has, err := f.sink.Has(context.Background(), storage.FeedKey(hash))
	require.NoError(t, err)
	assert.True(t, has)
}

func TestHandleUploadFeed_PublicHostAndSecure(t *testing.T) {
	f := newFixture(t)
	f.deps.PublicHost = "cdn.example.org"
	f.deps.Secure = true

	w := f.do(http.MethodPost, "/feed/css", `[{"id":"s","content":"a{}"}]`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.FeedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.URI, "https://cdn.example.org/feed/"), resp.URI)
}

func TestHandleUploadFeed_Rejects(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"empty body", "/feed/js", "", http.StatusBadRequest},
		{"empty array", "/feed/js", "[]", http.StatusBadRequest},
		{"not json", "/feed/js", "{nope", http.StatusBadRequest},
		{"object instead of array", "/feed/js", `{"id":"a"}`, http.StatusBadRequest},
		{"unknown type", "/feed/html", feedBody, http.StatusBadRequest},
		{"bad query option", "/feed/js?minify=perhaps", feedBody, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code)
			decodeError(t, w)
			assert.Zero(t, f.sink.Len(), "nothing is written on rejection")
		})
	}
}

// =============================================================================
// GET /feed/:file
// =============================================================================

func TestHandleGetFeed(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/feed/js", feedBody).Code)
	hash := feedHash(t, feedBody)

	w := f.do(http.MethodGet, "/feed/"+strings.ToUpper(hash)+".JSON", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Cache-Control"), "immutable")
	assert.JSONEq(t, feedBody, w.Body.String())
}

func TestHandleGetFeed_Errors(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/feed/nope.json", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	decodeError(t, w)

	w = f.do(http.MethodGet, "/feed/abc.txt", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	decodeError(t, w)
}

// =============================================================================
// POST /bundle/:type and GET /bundle/:file
// =============================================================================

func TestHandleBundleFeeds_RoundTrip(t *testing.T) {
	f := newFixture(t)
	second := `[{"id":"b","source":"module.exports = 2;"}]`
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/feed/js", feedBody).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/feed/js", second).Code)

	files := []string{feedHash(t, feedBody) + ".json", feedHash(t, second) + ".json"}
	body, _ := json.Marshal(files)

	w := f.do(http.MethodPost, "/bundle/js", string(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp datatypes.BundleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, strings.HasSuffix(resp.File, ".js"))
	assert.Equal(t, "http://example.com/bundle/"+resp.File, resp.URI)

	got := f.do(http.MethodGet, "/bundle/"+resp.File, "")
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, assets.TypeJS.ContentType(), got.Header().Get("Content-Type"))
	lines := strings.Split(got.Body.String(), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, feedBody, lines[0])
	assert.JSONEq(t, second, lines[1])
}

func TestHandleBundleFeeds_Errors(t *testing.T) {
	tooMany := make([]string, datatypes.MaxBundleFeeds+1)
	for i := range tooMany {
		tooMany[i] = "a.json"
	}
	tooManyBody, _ := json.Marshal(tooMany)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing body", "", http.StatusBadRequest},
		{"empty list", "[]", http.StatusBadRequest},
		{"too many", string(tooManyBody), http.StatusBadRequest},
		{"bad file name", `["../etc/passwd"]`, http.StatusBadRequest},
		{"missing feed", `["deadbeef.json"]`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(http.MethodPost, "/bundle/js", tt.body)
			assert.Equal(t, tt.want, w.Code)
			decodeError(t, w)
		})
	}
}

func TestHandleBundleFeeds_CorruptFeedIsServerError(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sink.Set(context.Background(), storage.FeedKey("broken"), []byte("{not json")))

	w := f.do(http.MethodPost, "/bundle/js", `["broken.json"]`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeError(t, w)
	assert.NotContains(t, resp.Message, "not json", "internal detail is not leaked")
}

func TestHandleBundleFeeds_BundlingFailure(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/feed/js", feedBody).Code)
	f.bundler.fail = true

	w := f.do(http.MethodPost, "/bundle/js", `["`+feedHash(t, feedBody)+`.json"]`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "bundling failed", decodeError(t, w).Message)
}

func TestHandleGetBundle_Errors(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/bundle/missing.css", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/bundle/file.html", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Optimistic publishing
// =============================================================================

func TestPublishFlow_InstructionsThenAssets(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/publish-instructions", `{"tag":"page","type":"js","data":["header","footer"]}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Zero(t, f.bundler.calls.Load(), "nothing to build before producers publish")

	header := `[{"id":"h","source":"header"}]`
	footer := `[{"id":"f","source":"footer"}]`

	w = f.do(http.MethodPost, "/publish-assets", `{"tag":"header","type":"js","data":`+header+`}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result assets.PublishResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, feedHash(t, header), result.ID)
	assert.Equal(t, result.ID+".json", result.File)

	w = f.do(http.MethodPost, "/publish-assets", `{"tag":"footer","type":"js","data":`+footer+`}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	bundleHash := contentaddress.Default().HashArray([]string{feedHash(t, header), feedHash(t, footer)})
	got := f.do(http.MethodGet, "/bundle/"+bundleHash+".js", "")
	require.Equal(t, http.StatusOK, got.Code)
	assert.Contains(t, got.Body.String(), "header")
	assert.Contains(t, got.Body.String(), "footer")

	// Fallback bundles make each producer servable alone.
	alone := f.do(http.MethodGet, "/bundle/"+feedHash(t, header)+".js", "")
	assert.Equal(t, http.StatusOK, alone.Code)
}

func TestHandlePublishAssets_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing tag", `{"type":"js","data":[]}`},
		{"bad type", `{"tag":"a","type":"ts","data":[]}`},
		{"missing data", `{"tag":"a","type":"js"}`},
		{"control characters", `{"tag":"a\u0001","type":"js","data":[]}`},
		{"not json", `tag=a`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(http.MethodPost, "/publish-assets", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			decodeError(t, w)
		})
	}
}

func TestHandlePublishInstructions_Validation(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/publish-instructions", `{"tag":"page","type":"js","data":["ok",""]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Message, "data[1]")
}

func TestPublishOptions(t *testing.T) {
	f := newFixture(t)
	f.deps.Defaults.Store(assets.Options{Minify: true, Rebundle: true})

	w := f.do(http.MethodPost, "/publish-assets", `{"tag":"a","type":"css","data":[{"id":"x","content":"a{}"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, f.bundler.lastOpts.Load())
	assert.True(t, f.bundler.lastOpts.Load().Minify, "server default applies")

	w = f.do(http.MethodPost, "/publish-assets?minify=false&sourceMaps", `{"tag":"b","type":"css","data":[{"id":"y","content":"b{}"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	opts := f.bundler.lastOpts.Load()
	assert.False(t, opts.Minify, "query overrides default")
	assert.True(t, opts.SourceMaps, "bare flag means true")
}

func TestPublishAssets_RebundleFalseLeavesTagUntouched(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/publish-assets?rebundle=false", `{"tag":"lib","type":"js","data":`+feedBody+`}`)
	require.Equal(t, http.StatusOK, w.Code)

	has, err := f.sink.Has(context.Background(), storage.TagKey("lib", assets.TypeJS))
	require.NoError(t, err)
	assert.False(t, has)
}

// =============================================================================
// Meta
// =============================================================================

func TestMeta(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/meta/build", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPut, "/meta/build", `{"version":3,"tags":["a","b"]}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = f.do(http.MethodGet, "/meta/build", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"version":3,"tags":["a","b"]}`, w.Body.String())
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
}

func TestMeta_Rejects(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/meta/build", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/meta/build", "{broken").Code)
}

// =============================================================================
// Health and helpers
// =============================================================================

func TestHandleHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "memory", resp.Sink)
	assert.Equal(t, "sha256", resp.Hash)
}

func TestBuildURI(t *testing.T) {
	assert.Equal(t, "http://localhost:7100/bundle/", BuildURI("bundle", "localhost:7100", false))
	assert.Equal(t, "https://cdn.example.com/feed/", BuildURI("feed", "cdn.example.com", true))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(assets.NewValidationError("tag", "required")))
	assert.Equal(t, http.StatusNotFound, statusFor(assets.NewNotFoundError("feed", "x.json")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&assets.StorageError{Op: "get", Key: "k", Err: errors.New("io")}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&bundler.BundlingError{Type: assets.TypeJS, Err: errors.New("x")}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestDefaults(t *testing.T) {
	d := NewDefaults(assets.Options{Minify: true})
	assert.True(t, d.Load().Minify)
	d.Store(assets.Options{Rebundle: true})
	assert.False(t, d.Load().Minify)
	assert.True(t, d.Load().Rebundle)
}
