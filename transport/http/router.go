package http

import (
	"github.com/gin-gonic/gin"
	"github.com/layer-3/warden/internal/metrics"
	"go.uber.org/zap"
)

// RouterConfig holds everything the router serves
type RouterConfig struct {
	Handlers *Handlers
	Metrics  *metrics.Metrics
	Token    string
	Logger   *zap.Logger
}

// SetupRouter sets up the Gin router
func SetupRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(cfg.Logger.Named("http")))

	h := cfg.Handlers
	router.GET("/healthz", h.Health)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	// Host API
	api := router.Group("/v1")
	api.Use(TokenMiddleware(cfg.Token))
	{
		if h.focus != nil {
			api.POST("/focus", h.Focus)
		}

		api.GET("/apps", h.ListApps)
		api.PUT("/apps/:package", h.LockApp)
		api.DELETE("/apps/:package", h.UnlockApp)

		api.GET("/challenges", h.ListChallenges)
		api.POST("/challenges/outcome", h.ResolveChallenge)

		api.GET("/guard", h.GuardState)
		api.POST("/guard/authenticated", h.Authenticated)
	}

	return router
}
