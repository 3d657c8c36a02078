package ops

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SetupRouter configures the read-only operator API.
func SetupRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(loggerMiddleware(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "dispatch-service",
		})
	})

	h := NewHandler(deps)

	opsGroup := r.Group("/ops")
	{
		opsGroup.GET("/executions", h.ListExecutions)
		opsGroup.GET("/executions/:execution_id", h.GetExecution)
		opsGroup.GET("/deadletters", h.ListDeadLetters)
	}

	return r
}

func loggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("HTTP Request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Duration("latency", time.Since(start)),
		)
	}
}
