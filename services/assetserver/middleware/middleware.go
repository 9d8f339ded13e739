// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides gin middleware for the asset server.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	RequestID ──► reuse X-Request-ID or mint a UUID, echo it back
//	   │
//	   ▼
//	AccessLog ──► one slog line per request, tagged with the request id
//	   │
//	   ▼
//	CORS ──────► allow any origin to read assets
//	   │
//	   ▼
//	RateLimit ─► publish and upload routes only; 429 when the bucket is empty
//	   │
//	   ▼
//	Handler (LoggerFrom(c) returns the request-scoped logger)
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/assetpipe/services/assetserver/datatypes"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

const (
	requestIDKey = "assetpipe_request_id"
	loggerKey    = "assetpipe_logger"
)

// maxRequestIDLen bounds client-provided ids before they reach logs.
const maxRequestIDLen = 128

// RequestID assigns every request an id.
//
// # Description
//
// A client-supplied X-Request-ID is kept if it is non-empty and at most
// 128 bytes; otherwise a random UUID is generated. The id is stored in the
// gin context and echoed in the response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID returns the id set by RequestID, or "".
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// AccessLog logs one line per request and installs a request-scoped
// logger for handlers.
//
// 5xx responses are logged at Error, 4xx at Warn and the rest at Info.
func AccessLog(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		reqLogger := logger.With("request_id", GetRequestID(c))
		c.Set(loggerKey, reqLogger)

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		attrs := []any{
			"method", c.Request.Method,
			"route", route,
			"path", c.Request.URL.Path,
			"status", status,
			"bytes", c.Writer.Size(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.Last().Error())
		}

		switch {
		case status >= http.StatusInternalServerError:
			reqLogger.Error("request failed", attrs...)
		case status >= http.StatusBadRequest:
			reqLogger.Warn("request rejected", attrs...)
		default:
			reqLogger.Info("request completed", attrs...)
		}
	}
}

// LoggerFrom returns the logger installed by AccessLog, or slog.Default().
func LoggerFrom(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if logger, ok := v.(*slog.Logger); ok {
			return logger
		}
	}
	return slog.Default()
}

// CORS allows cross-origin reads and publishes from any origin.
// Preflight requests are answered directly with 204.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderRequestID)
		h.Set("Access-Control-Expose-Headers", HeaderRequestID)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RateLimit rejects requests with 429 once limiter has no tokens left.
// It is shared by every route it is attached to, so it bounds the total
// write rate of the server rather than any single client.
func RateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.NewErrorResponse(
				http.StatusTooManyRequests, "publish rate limit exceeded", GetRequestID(c)))
			return
		}
		c.Next()
	}
}
