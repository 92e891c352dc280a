// internal/api/middleware.go
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/Corphon/OMNetCore/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"
	apiKeyHeader    = "X-API-Key"
)

// RequestID 为每个请求分配 ID，沿用客户端传入的值
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// Recovery 捕获 handler 中的 panic
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	rh := NewResponseHelper()
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("Panic recovered",
					zap.Any("panic", rec),
					zap.String("path", c.Request.URL.Path),
					zap.String("request_id", c.GetString(requestIDKey)),
					zap.ByteString("stack", debug.Stack()))
				rh.InternalError(c, "内部错误")
			}
		}()
		c.Next()
	}
}

// RequestLogger 记录每个请求
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", c.ClientIP()),
			zap.String("request_id", c.GetString(requestIDKey)),
		}
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			logger.Error("HTTP request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("HTTP request", fields...)
		default:
			logger.Info("HTTP request", fields...)
		}
	}
}

// MetricsMiddleware 记录请求数和耗时，路径使用路由模板避免高基数
func MetricsMiddleware(metrics *utils.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// RateLimiter 基于客户端 IP 的令牌桶限流，rps <= 0 时不限流
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = int(rps) + 1
	}

	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)

	// 后台清理过期 visitor
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()

	rh := NewResponseHelper()
	return func(c *gin.Context) {
		ip := c.ClientIP()

		mu.Lock()
		v, ok := visitors[ip]
		if !ok {
			v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			visitors[ip] = v
		}
		v.lastSeen = time.Now()
		mu.Unlock()

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%g", rps))
		if !v.limiter.Allow() {
			logger.Debug("Rate limit exceeded", zap.String("remote_addr", ip))
			rh.Error(c, http.StatusTooManyRequests, ErrorRateLimited, "请求过于频繁")
			return
		}
		c.Next()
	}
}

// APIKeyAuth 在配置了 API_KEYS 时校验 X-API-Key 请求头
func APIKeyAuth(validKeys []string, skipPaths []string) gin.HandlerFunc {
	if len(validKeys) == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	rh := NewResponseHelper()
	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		key := c.GetHeader(apiKeyHeader)
		if key == "" {
			rh.Error(c, http.StatusUnauthorized, ErrorAPIKeyMissing, "缺少 API 密钥")
			return
		}
		for _, valid := range validKeys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
				c.Next()
				return
			}
		}
		rh.Unauthorized(c, "API 密钥无效")
	}
}
