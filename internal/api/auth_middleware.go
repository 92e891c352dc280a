// internal/api/auth_middleware.go
package api

import (
	"net/http"
	"strings"

	"github.com/Corphon/OMNetCore/internal/auth"
	"github.com/Corphon/OMNetCore/internal/services"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDKey        = "user_id"
	authenticatedKey = "user_authenticated"
)

// AuthMiddleware 解析 Bearer 令牌。
// 没有令牌的请求按访客处理，用户 ID 由请求自身决定；令牌无效时降级为访客。
func AuthMiddleware(tokens *auth.TokenConfig, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(authenticatedKey, false)

		header := c.GetHeader("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if tokens == nil || token == "" || token == header {
			c.Next()
			return
		}

		claims, err := auth.ParseToken(token, tokens)
		if err != nil {
			logger.Debug("Invalid token, continuing as guest", zap.Error(err))
			c.Set("auth_error", err.Error())
			c.Next()
			return
		}

		c.Set(userIDKey, claims.UserID)
		c.Set(authenticatedKey, true)
		c.Next()
	}
}

// GetUserFromContext retrieves the authenticated user from the context
func GetUserFromContext(c *gin.Context) (string, bool) {
	if !c.GetBool(authenticatedKey) {
		return "", false
	}
	userID := c.GetString(userIDKey)
	return userID, userID != ""
}

// resolveUserID 决定请求代表的用户。
// 已认证时以令牌为准，请求中显式给出的其他用户会被拒绝。
func resolveUserID(c *gin.Context, requested string) (string, bool) {
	authUser, ok := GetUserFromContext(c)
	if !ok {
		if requested == "" {
			return services.DefaultUserID, true
		}
		return requested, true
	}
	if requested != "" && requested != authUser {
		return "", false
	}
	return authUser, true
}

// RequireAuthForUser ensures an authenticated user can only access their own data
func RequireAuthForUser() gin.HandlerFunc {
	rh := NewResponseHelper()
	return func(c *gin.Context) {
		if _, ok := resolveUserID(c, c.Param("user_id")); !ok {
			rh.Error(c, http.StatusForbidden, ErrorTokenForbidden, "无权访问其他用户的数据")
			return
		}
		c.Next()
	}
}
