// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/AleutianAI/assetpipe/services/assetserver/handlers"
	"github.com/gin-gonic/gin"
)

// SetupRoutes registers the asset API at the root, where existing clients
// expect it, and again under /v1. metrics may be nil to omit /metrics.
// write runs before every POST and PUT handler.
func SetupRoutes(router *gin.Engine, deps *handlers.Deps, metrics http.Handler, write ...gin.HandlerFunc) {
	router.GET("/health", handlers.HandleHealth(deps))
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	register(&router.RouterGroup, deps, write)

	v1 := router.Group("/v1")
	{
		register(v1, deps, write)
	}
}

func register(g *gin.RouterGroup, deps *handlers.Deps, write []gin.HandlerFunc) {
	w := func(h gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, write...), h)
	}

	g.POST("/publish-assets", w(handlers.HandlePublishAssets(deps))...)
	g.POST("/publish-instructions", w(handlers.HandlePublishInstructions(deps))...)

	feed := g.Group("/feed")
	{
		feed.POST("/:type", w(handlers.HandleUploadFeed(deps))...)
		feed.GET("/:file", handlers.HandleGetFeed(deps))
		feed.HEAD("/:file", handlers.HandleGetFeed(deps))
	}

	bundle := g.Group("/bundle")
	{
		bundle.POST("/:type", w(handlers.HandleBundleFeeds(deps))...)
		bundle.GET("/:file", handlers.HandleGetBundle(deps))
		bundle.HEAD("/:file", handlers.HandleGetBundle(deps))
	}

	meta := g.Group("/meta")
	{
		meta.PUT("/:key", w(handlers.HandlePutMeta(deps))...)
		meta.GET("/:key", handlers.HandleGetMeta(deps))
	}
}
