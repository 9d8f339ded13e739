// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the JSON request and response bodies of the
// asset server.
package datatypes

import (
	"net/http"

	"github.com/AleutianAI/assetpipe/pkg/assets"
)

// MaxBundleFeeds bounds the feed list of an explicit bundle request.
const MaxBundleFeeds = 100

// PublishAssetsRequest is the body of POST /publish-assets.
//
// # Validation
//
//   - Tag: required, printable, at most 512 bytes
//   - Type: "js" or "css"
//   - Data: required; an empty array publishes an empty feed
type PublishAssetsRequest struct {
	Tag  string      `json:"tag" validate:"required,assettag"`
	Type string      `json:"type" validate:"required,oneof=js css"`
	Data assets.Feed `json:"data" validate:"required"`
}

// PublishInstructionsRequest is the body of POST /publish-instructions.
//
// Data lists producer tags in bundle order. An empty list is allowed and
// yields a bundle of no feeds.
type PublishInstructionsRequest struct {
	Tag  string   `json:"tag" validate:"required,assettag"`
	Type string   `json:"type" validate:"required,oneof=js css"`
	Data []string `json:"data" validate:"required,dive,assettag"`
}

// BundleRequest is the body of POST /bundle/:type: feed file names in
// bundle order.
type BundleRequest []string

// FeedResponse is returned by POST /feed/:type.
type FeedResponse struct {
	ID   string `json:"id"`
	File string `json:"file"`
	URI  string `json:"uri"`
}

// BundleResponse is returned by POST /bundle/:type.
type BundleResponse struct {
	File string `json:"file"`
	URI  string `json:"uri"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Sink    string `json:"sink"`
	Bundler string `json:"bundler"`
	Hash    string `json:"hash"`
	Version string `json:"version,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	RequestID  string `json:"requestId,omitempty"`
}

// NewErrorResponse fills Error from the status text.
func NewErrorResponse(status int, message, requestID string) ErrorResponse {
	return ErrorResponse{
		StatusCode: status,
		Error:      http.StatusText(status),
		Message:    message,
		RequestID:  requestID,
	}
}
