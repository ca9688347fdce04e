package api

import (
	"github.com/gin-gonic/gin"

	"github.com/liliang-cn/graphdoc/internal/api/chat"
	"github.com/liliang-cn/graphdoc/internal/api/middleware"
)

// RouterConfig holds configuration for the router
type RouterConfig struct {
	APIKey       string
	AllowOrigins []string
}

// SetupRouter sets up the Gin router
func SetupRouter(handler *Handler, chatController *chat.Controller, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS middleware
	r.Use(middleware.CORS(cfg.AllowOrigins))

	// Health check, including engine reachability
	r.GET("/health", handler.Health)

	// REST API (requires API key when one is configured)
	apiGroup := r.Group("/api")
	apiGroup.Use(middleware.Auth(cfg.APIKey))
	handler.RegisterRoutes(apiGroup)

	// Streaming chat. The websocket handshake cannot carry custom
	// headers from browsers, so it authenticates by session instead.
	r.GET("/ws/chat/:session_id", chatController.Handle)

	return r
}
