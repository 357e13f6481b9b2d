package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mcfax/faxpipe/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		if err := deps.DBClient.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "fax-api-service",
				"error":   err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "fax-api-service",
		})
	})

	faxHandler := handler.NewFaxHandler(deps)

	v1 := r.Group("/api/v1")
	{
		faxes := v1.Group("/faxes")
		{
			// POST /api/v1/faxes - Submit a fax job
			faxes.POST("", faxHandler.CreateFax)

			// GET /api/v1/faxes - List fax jobs with filtering and pagination
			faxes.GET("", faxHandler.ListFaxes)

			// GET /api/v1/faxes/:job_id - Get fax job details
			faxes.GET("/:job_id", faxHandler.GetFax)

			// POST /api/v1/faxes/:job_id/cancel - Cancel a queued or retrying fax
			faxes.POST("/:job_id/cancel", faxHandler.CancelFax)

			// POST /api/v1/faxes/:job_id/retry - Release a parked retry immediately
			faxes.POST("/:job_id/retry", faxHandler.RetryFax)
		}
	}

	return r
}
