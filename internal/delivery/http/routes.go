package http

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/leyvacars/similarity-api/config"
	"github.com/leyvacars/similarity-api/internal/infrastructure/metrics"
)

// SetupRouter creates and configures the Gin router
func SetupRouter(cfg *config.Config, handler *Handler, m *metrics.Metrics, logger *slog.Logger) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(RequestIDMiddleware())
	router.Use(RecoveryMiddleware(logger))
	router.Use(LoggerMiddleware(logger))
	router.Use(CORSMiddleware(cfg.Server.AllowedOrigins))

	// Informational endpoints are never rate limited
	router.GET("/", handler.Root)
	router.GET("/health", handler.HealthCheck)
	router.GET("/stats", handler.Stats)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	// one limiter shared by every search and admin route
	rateLimit := RateLimitMiddleware(cfg.RateLimit.PerIP)

	limited := router.Group("/", rateLimit)
	{
		// Paths used by the mobile client
		limited.POST("/search-similar", handler.SearchSimilar)
		limited.POST("/sync-products", handler.Refresh)
	}

	v1 := router.Group("/api/v1", rateLimit)
	{
		v1.GET("/products/:id/similar", handler.SimilarByProduct)
		v1.POST("/similar", handler.SimilarByImage)

		admin := v1.Group("/admin")
		{
			admin.POST("/refresh", handler.Refresh)
			admin.DELETE("/cache", handler.ClearCache)
		}
	}

	return router
}
