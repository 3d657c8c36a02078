package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/streamio/transcoder/internal/ingest/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "ingest-service",
		})
	})

	objectHandler := handler.NewObjectHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// POST /api/v1/notifications - object-created notification webhook
		v1.POST("/notifications", objectHandler.HandleNotification)

		// GET /api/v1/objects/*object_key - metadata record lookup
		v1.GET("/objects/*object_key", objectHandler.GetObject)
	}

	return r
}
