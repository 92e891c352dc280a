// internal/api/router.go
package api

import (
	"context"

	"github.com/Corphon/OMNetCore/internal/auth"
	"github.com/Corphon/OMNetCore/internal/config"
	"github.com/Corphon/OMNetCore/internal/services"
	"github.com/Corphon/OMNetCore/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Dependencies 路由需要的服务
type Dependencies struct {
	Sessions  *services.SessionManager
	Avatars   *services.AvatarService
	LLM       *services.LLMService
	Tokens    *auth.TokenConfig
	Hub       *WebSocketManager
	APIKeys   []string
	RateLimit config.RateLimitConfig
	Metrics   *utils.Metrics
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
	DebugMode bool
}

// SetupRouter 配置HTTP路由；ctx 结束时停止限流器的后台清理
func SetupRouter(ctx context.Context, deps Dependencies) *gin.Engine {
	if !deps.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	deps.Logger = logger

	r := gin.New()
	r.Use(
		RequestID(),
		Recovery(logger),
		RequestLogger(logger),
		MetricsMiddleware(deps.Metrics),
	)

	handler := NewHandler(deps)

	r.GET("/health", handler.Health)
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	protected := r.Group("/",
		APIKeyAuth(deps.APIKeys, nil),
		RateLimiter(ctx, deps.RateLimit.RPS, deps.RateLimit.Burst, logger),
		AuthMiddleware(deps.Tokens, logger),
	)

	protected.GET("/ws/chat", handler.ChatWebSocket)

	api := protected.Group("/api")
	{
		api.POST("/chat", handler.Chat)
		api.POST("/feedback", handler.Feedback)
		api.POST("/interactions", handler.RecordInteraction)

		// 只有配置了 API 密钥时才允许签发令牌
		if len(deps.APIKeys) > 0 {
			api.POST("/auth/token", handler.IssueToken)
		}

		api.GET("/avatars", handler.ListAvatars)
		api.GET("/avatars/:name", handler.GetAvatar)
		api.GET("/models", handler.ListModels)
		api.GET("/ws/status", handler.WebSocketStatus)

		sessions := api.Group("/sessions/:user_id", RequireAuthForUser())
		{
			sessions.GET("", handler.ListSessions)
			sessions.GET("/:avatar/:session_id", handler.GetSession)
			sessions.PATCH("/:avatar/:session_id", handler.UpdateSession)
		}

		users := api.Group("/users/:user_id", RequireAuthForUser())
		{
			users.GET("/avatars/:avatar/preferences", handler.GetPreferences)
			users.GET("/avatars/:avatar/adjustments", handler.GetAdjustments)
			users.GET("/avatars/:avatar/interactions", handler.GetInteractions)
		}
	}

	return r
}
