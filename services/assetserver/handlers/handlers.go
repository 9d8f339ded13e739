// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the asset server's HTTP endpoints.
//
// # Endpoints
//
//	POST /publish-assets        {tag,type,data}   → 200 {id,file}
//	POST /publish-instructions  {tag,type,data}   → 204
//	POST /feed/:type            [descriptor…]     → 200 {id,file,uri}
//	GET  /feed/:file                              → 200 feed JSON
//	POST /bundle/:type          ["<hash>.json"…]  → 200 {file,uri}
//	GET  /bundle/:file                            → 200 bundle
//	PUT  /meta/:key             any JSON          → 204
//	GET  /meta/:key                               → 200 stored JSON
//	GET  /health                                  → 200 {status,…}
//
// Publish endpoints accept the query options minify, sourceMaps and
// rebundle as booleans; unset options take the server defaults.
//
// # Errors
//
// Every failure is an ErrorResponse. Validation problems map to 400,
// missing explicitly requested resources to 404, and bundling or storage
// failures to 500.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/AleutianAI/assetpipe/pkg/assets"
	"github.com/AleutianAI/assetpipe/pkg/bundler"
	"github.com/AleutianAI/assetpipe/pkg/metastorage"
	"github.com/AleutianAI/assetpipe/pkg/optimistic"
	"github.com/AleutianAI/assetpipe/pkg/storage"
	"github.com/AleutianAI/assetpipe/pkg/validation"
	"github.com/AleutianAI/assetpipe/services/assetserver/datatypes"
	"github.com/AleutianAI/assetpipe/services/assetserver/middleware"
	"github.com/gin-gonic/gin"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 16 << 20

// immutableCache is sent with content-addressed responses.
const immutableCache = "public, max-age=31536000, immutable"

// =============================================================================
// Dependencies
// =============================================================================

// Defaults holds the publish options applied when a request does not set
// them. It may be swapped at runtime by the config watcher.
type Defaults struct {
	v atomic.Pointer[assets.Options]
}

// NewDefaults creates Defaults holding opts.
func NewDefaults(opts assets.Options) *Defaults {
	d := &Defaults{}
	d.Store(opts)
	return d
}

// Load returns the current defaults.
func (d *Defaults) Load() assets.Options {
	return *d.v.Load()
}

// Store replaces the defaults.
func (d *Defaults) Store(opts assets.Options) {
	d.v.Store(&opts)
}

// Deps are the collaborators every handler needs.
type Deps struct {
	Engine   *optimistic.Engine
	Storage  *storage.Storage
	Meta     *metastorage.MetaStorage
	Defaults *Defaults

	// PublicHost overrides the request Host in returned URIs.
	PublicHost string

	// Secure forces https in returned URIs.
	Secure bool

	// Health is reported by GET /health.
	Health datatypes.HealthResponse
}

// =============================================================================
// Optimistic publishing
// =============================================================================

// HandlePublishAssets publishes a producer feed and rebuilds dependent
// bundles.
func HandlePublishAssets(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		opts, ok := parseOptions(c, deps.Defaults)
		if !ok {
			return
		}

		var req datatypes.PublishAssetsRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := validation.Struct(req); err != nil {
			writeError(c, assets.NewValidationError("", err.Error()))
			return
		}

		result, err := deps.Engine.PublishAssets(c.Request.Context(), optimistic.AssetsRequest{
			Tag:  req.Tag,
			Type: assets.AssetType(req.Type),
			Data: req.Data,
		}, opts)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// HandlePublishInstructions stores a consumer instruction and builds its
// bundle if every producer has published.
func HandlePublishInstructions(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		opts, ok := parseOptions(c, deps.Defaults)
		if !ok {
			return
		}

		var req datatypes.PublishInstructionsRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := validation.Struct(req); err != nil {
			writeError(c, assets.NewValidationError("", err.Error()))
			return
		}

		err := deps.Engine.PublishInstructions(c.Request.Context(), optimistic.InstructionRequest{
			Tag:  req.Tag,
			Type: assets.AssetType(req.Type),
			Data: req.Data,
		}, opts)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// =============================================================================
// Feeds and bundles
// =============================================================================

// HandleUploadFeed stores a feed without tagging it.
func HandleUploadFeed(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := assets.ParseAssetType(c.Param("type"))
		if err != nil {
			writeError(c, err)
			return
		}
		opts, ok := parseOptions(c, deps.Defaults)
		if !ok {
			return
		}

		var feed assets.Feed
		if !bindJSON(c, &feed) {
			return
		}
		if len(feed) == 0 {
			writeError(c, assets.NewValidationError("data", "feed must contain at least one descriptor"))
			return
		}

		result, err := deps.Engine.UploadFeed(c.Request.Context(), t, feed, opts)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.FeedResponse{
			ID:   result.ID,
			File: result.File,
			URI:  deps.uri(c, "feed") + result.File,
		})
	}
}

// HandleGetFeed serves a stored feed by file name.
func HandleGetFeed(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		file := strings.ToLower(strings.TrimSpace(c.Param("file")))
		if err := validation.ValidateFeedFile(file); err != nil {
			writeError(c, assets.NewValidationError("file", err.Error()))
			return
		}

		content, err := deps.Storage.ReadFeed(c.Request.Context(), strings.TrimSuffix(file, ".json"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.Header("Cache-Control", immutableCache)
		c.Data(http.StatusOK, "application/json; charset=utf-8", content)
	}
}

// HandleBundleFeeds bundles an explicit list of stored feeds.
func HandleBundleFeeds(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := assets.ParseAssetType(c.Param("type"))
		if err != nil {
			writeError(c, err)
			return
		}
		opts, ok := parseOptions(c, deps.Defaults)
		if !ok {
			return
		}

		var files datatypes.BundleRequest
		if !bindJSON(c, &files) {
			return
		}
		if len(files) == 0 || len(files) > datatypes.MaxBundleFeeds {
			writeError(c, assets.NewValidationError("data",
				"expected 1 to "+strconv.Itoa(datatypes.MaxBundleFeeds)+" feed files"))
			return
		}
		hashes := make([]string, len(files))
		for i, f := range files {
			f = strings.ToLower(strings.TrimSpace(f))
			if err := validation.ValidateFeedFile(f); err != nil {
				writeError(c, assets.NewValidationError("data["+strconv.Itoa(i)+"]", err.Error()))
				return
			}
			hashes[i] = strings.TrimSuffix(f, ".json")
		}

		file, err := deps.Engine.BundleFeeds(c.Request.Context(), t, hashes, opts)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.BundleResponse{
			File: file,
			URI:  deps.uri(c, "bundle") + file,
		})
	}
}

// HandleGetBundle serves a stored bundle by file name.
func HandleGetBundle(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		file := strings.ToLower(strings.TrimSpace(c.Param("file")))
		if err := validation.ValidateBundleFile(file); err != nil {
			writeError(c, assets.NewValidationError("file", err.Error()))
			return
		}
		dot := strings.LastIndexByte(file, '.')
		t := assets.AssetType(file[dot+1:])

		content, err := deps.Storage.GetBundle(c.Request.Context(), file[:dot], t)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Header("Cache-Control", immutableCache)
		c.Data(http.StatusOK, t.ContentType(), content)
	}
}

// =============================================================================
// Meta
// =============================================================================

// HandlePutMeta stores an arbitrary JSON document under key.
func HandlePutMeta(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		if err := validation.ValidateMetaKey(key); err != nil {
			writeError(c, assets.NewValidationError("key", err.Error()))
			return
		}
		body, ok := readBody(c)
		if !ok {
			return
		}
		if err := deps.Meta.Set(c.Request.Context(), key, json.RawMessage(body)); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// HandleGetMeta returns the JSON document stored under key.
func HandleGetMeta(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		if err := validation.ValidateMetaKey(key); err != nil {
			writeError(c, assets.NewValidationError("key", err.Error()))
			return
		}
		raw, err := deps.Meta.GetRaw(c.Request.Context(), key)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Header("Cache-Control", "no-cache")
		c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
	}
}

// =============================================================================
// Health
// =============================================================================

// HandleHealth reports static service information.
func HandleHealth(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := deps.Health
		resp.Status = "ok"
		c.JSON(http.StatusOK, resp)
	}
}

// =============================================================================
// Helpers
// =============================================================================

// BuildURI returns the public base URI for a resource kind, e.g.
// BuildURI("bundle", "cdn.example.com", true) is
// "https://cdn.example.com/bundle/".
func BuildURI(kind, host string, secure bool) string {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	return scheme + "://" + host + "/" + kind + "/"
}

func (d *Deps) uri(c *gin.Context, kind string) string {
	host := d.PublicHost
	if host == "" {
		host = c.Request.Host
	}
	return BuildURI(kind, host, d.Secure || c.Request.TLS != nil)
}

// parseOptions overlays the minify, sourceMaps and rebundle query
// parameters on the defaults. It writes a 400 and returns false on a
// malformed value.
func parseOptions(c *gin.Context, defaults *Defaults) (assets.Options, bool) {
	opts := assets.DefaultOptions()
	if defaults != nil {
		opts = defaults.Load()
	}

	for _, q := range []struct {
		name   string
		target *bool
	}{
		{"minify", &opts.Minify},
		{"sourceMaps", &opts.SourceMaps},
		{"rebundle", &opts.Rebundle},
	} {
		raw, ok := c.GetQuery(q.name)
		if !ok {
			continue
		}
		if raw == "" {
			*q.target = true
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(c, assets.NewValidationError(q.name, "must be a boolean"))
			return opts, false
		}
		*q.target = v
	}
	return opts, true
}

// readBody reads a non-empty request body of at most MaxBodyBytes.
func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeStatus(c, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(c, assets.NewValidationError("body", err.Error()))
		return nil, false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		writeError(c, assets.NewValidationError("body", "required"))
		return nil, false
	}
	return body, true
}

// bindJSON decodes the request body into out.
func bindJSON(c *gin.Context, out any) bool {
	body, ok := readBody(c)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(c, assets.NewValidationError("body", "invalid JSON: "+err.Error()))
		return false
	}
	return true
}

// statusFor maps an error to an HTTP status. Bundling, storage and
// unclassified errors are all 500.
func statusFor(err error) int {
	var (
		validationErr *assets.ValidationError
		notFoundErr   *assets.NotFoundError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError records err on the context and writes an ErrorResponse.
// Server-side failures are reported without internal detail.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	status := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error("request error", "error", err)
		message = "internal error while processing the request"
		var bundlingErr *bundler.BundlingError
		if errors.As(err, &bundlingErr) {
			message = "bundling failed"
		}
	}
	writeStatus(c, status, message)
}

func writeStatus(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, datatypes.NewErrorResponse(status, message, middleware.GetRequestID(c)))
}
