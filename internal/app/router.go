package app

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/telestackhq/db/internal/api/handlers"
	"github.com/telestackhq/db/internal/api/middleware"
)

// NewRouter builds the gin engine with the full HTTP surface.
func NewRouter(server *handlers.Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())

	// CORS is permissive: the SDK runs in browsers and tools on any origin.
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Request-ID", "X-Admin-Token"},
		ExposeHeaders:   []string{"Content-Length", "X-Request-ID"},
		MaxAge:          12 * time.Hour,
	}))

	router.GET("/healthz", server.Health)

	docs := router.Group("/documents")
	{
		docs.POST("/auth/token", server.IssueToken)
		docs.POST("/batch", server.Batch)
		docs.GET("/sync", server.Sync)
		docs.GET("/query", server.Query)
		docs.POST("/internal/reset", server.Reset)

		docs.POST("/:collection", server.CreateDocument)
		docs.GET("/:collection", server.ListCollection)
		docs.GET("/:collection/:id", server.GetDocument)
		docs.PUT("/:collection/:id", server.SetDocument)
		docs.PATCH("/:collection/:id", server.PatchDocument)
		docs.DELETE("/:collection/:id", server.DeleteDocument)
	}

	return router
}
