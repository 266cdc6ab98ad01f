package api

import (
	"github.com/gin-gonic/gin"

	"github.com/rburan/gridshift/internal/api/handler"
	"github.com/rburan/gridshift/internal/api/middleware"
	"github.com/rburan/gridshift/internal/engine"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	manager *engine.Manager,
	mode string,
	cors middleware.CORSConfig,
) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(cors))

	// Create handlers
	healthHandler := handler.NewHealthHandler()
	jobHandler := handler.NewJobHandler(manager)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Jobs
		v1.POST("/jobs", jobHandler.CreateJob)
		v1.GET("/jobs", jobHandler.ListJobs)
		v1.GET("/jobs/:id", jobHandler.GetJob)
		v1.GET("/jobs/:id/failures", jobHandler.GetFailures)

		// Lifecycle
		v1.POST("/jobs/:id/start", jobHandler.StartJob)
		v1.POST("/jobs/:id/pause", jobHandler.PauseJob)
		v1.POST("/jobs/:id/resume", jobHandler.ResumeJob)
		v1.POST("/jobs/:id/retry", jobHandler.RetryJob)
	}

	return r
}
