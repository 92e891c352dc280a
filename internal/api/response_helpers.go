// internal/api/response_helpers.go
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/Corphon/OMNetCore/internal/errors"
	"github.com/gin-gonic/gin"
)

// APIResponse 统一响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"` // 用于调试和追踪
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ResponseHelper 响应助手类
type ResponseHelper struct{}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	if len(message) > 0 {
		response.Message = message[0]
	}

	c.JSON(http.StatusOK, response)
}

// Created 创建成功响应
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	if len(message) > 0 {
		response.Message = message[0]
	} else {
		response.Message = "资源创建成功"
	}

	c.JSON(http.StatusCreated, response)
}

// sanitizeErrorMessage 去掉可能泄露密钥的错误信息
func sanitizeErrorMessage(message string) string {
	lower := strings.ToLower(message)
	for _, pattern := range []string{"api_key", "apikey", "secret", "token", "password"} {
		if strings.Contains(lower, pattern) {
			return "An internal error occurred"
		}
	}
	return message
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string, details ...string) {
	apiError := &APIError{
		Code:    errorCode,
		Message: sanitizeErrorMessage(message),
	}

	if len(details) > 0 {
		apiError.Details = sanitizeErrorMessage(details[0])
	}

	c.AbortWithStatusJSON(statusCode, &APIResponse{
		Success:   false,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	})
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

// NotFound 404错误响应
func (rh *ResponseHelper) NotFound(c *gin.Context, resource string, details ...string) {
	rh.Error(c, http.StatusNotFound, rh.getResourceNotFoundCode(resource), resource+"不存在", details...)
}

// InternalError 500错误响应
func (rh *ResponseHelper) InternalError(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message, details...)
}

// Forbidden 403错误响应
func (rh *ResponseHelper) Forbidden(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusForbidden, ErrorForbidden, message, details...)
}

// Unauthorized 401错误响应
func (rh *ResponseHelper) Unauthorized(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusUnauthorized, ErrorUnauthorized, message, details...)
}

// AppError 按错误类型选择状态码
func (rh *ResponseHelper) AppError(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) {
		// 客户端已断开，状态码仅用于日志
		rh.Error(c, 499, ErrorCancelled, "请求已取消")
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		rh.Error(c, http.StatusGatewayTimeout, string(apperrors.ErrorTypeTimeout), "请求超时")
		return
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		rh.Error(c, apperrors.HTTPStatus(err), appErr.Code, appErr.Message)
		return
	}
	rh.InternalError(c, "内部错误", err.Error())
}

// getRequestID 获取请求ID
func (rh *ResponseHelper) getRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// getResourceNotFoundCode 根据资源类型生成错误代码
func (rh *ResponseHelper) getResourceNotFoundCode(resource string) string {
	switch resource {
	case "会话", "session":
		return ErrorSessionNotFound
	case "化身", "avatar":
		return ErrorAvatarNotFound
	case "偏好", "preferences":
		return ErrorPreferencesNotFound
	default:
		return ErrorNotFound
	}
}
