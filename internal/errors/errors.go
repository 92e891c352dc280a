// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation_error"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeError         ErrorType = "processing_error"
	ErrorTypeUnauthorized  ErrorType = "unauthorized"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeConfiguration ErrorType = "configuration_error"
	ErrorTypeInference     ErrorType = "inference_error"
	ErrorTypePersistence   ErrorType = "persistence_error"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewUnauthorizedError 创建未授权错误
func NewUnauthorizedError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeUnauthorized, message, originalError)
}

// NewTimeoutError 创建超时错误
func NewTimeoutError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeTimeout, message, originalError)
}

// NewConfigurationError 配置文件缺失或无法解析
func NewConfigurationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConfiguration, message, originalError)
}

// NewInferenceError 模型调用失败
func NewInferenceError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeInference, message, originalError)
}

// NewPersistenceError 存储读写失败
func NewPersistenceError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypePersistence, message, originalError)
}

// TypeOf 返回错误链中第一个 AppError 的类型
func TypeOf(err error) ErrorType {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type
	}
	return ""
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return TypeOf(err) == ErrorTypeValidation
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return TypeOf(err) == ErrorTypeNotFound
}

// IsUnauthorizedError 检查是否为未授权错误
func IsUnauthorizedError(err error) bool {
	return TypeOf(err) == ErrorTypeUnauthorized
}

// IsTimeoutError 检查是否为超时错误
func IsTimeoutError(err error) bool {
	return TypeOf(err) == ErrorTypeTimeout
}

// IsInferenceError 检查是否为模型调用错误
func IsInferenceError(err error) bool {
	return TypeOf(err) == ErrorTypeInference
}

// IsPersistenceError 检查是否为存储错误
func IsPersistenceError(err error) bool {
	return TypeOf(err) == ErrorTypePersistence
}

// HTTPStatus 把错误映射到 HTTP 状态码
func HTTPStatus(err error) int {
	switch TypeOf(err) {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeInference:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeUnauthorized:
		return "UNAUTHORIZED"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeConfiguration:
		return "CONFIGURATION_ERROR"
	case ErrorTypeInference:
		return "INFERENCE_ERROR"
	case ErrorTypePersistence:
		return "PERSISTENCE_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，只更新消息
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	return NewAppError(errType, message, err)
}
