// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorForbidden     = "FORBIDDEN"
	ErrorUnauthorized  = "UNAUTHORIZED"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"
	ErrorCancelled     = "REQUEST_CANCELLED"

	// 会话相关错误
	ErrorSessionNotFound = "SESSION_NOT_FOUND"
	ErrorInvalidTurn     = "INVALID_TURN"

	// 化身与个性化相关错误
	ErrorAvatarNotFound      = "AVATAR_NOT_FOUND"
	ErrorPreferencesNotFound = "PREFERENCES_NOT_FOUND"
	ErrorInvalidFeedback     = "INVALID_FEEDBACK"

	// LLM服务相关错误
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"

	// 认证相关
	ErrorAPIKeyMissing  = "API_KEY_MISSING"
	ErrorTokenDisabled  = "TOKEN_ISSUING_DISABLED"
	ErrorTokenForbidden = "TOKEN_USER_MISMATCH"
)
