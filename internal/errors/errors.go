// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"

	// 生成与运行环境错误类型
	ErrorTypeMalformedResponse      ErrorType = "malformed_response"
	ErrorTypeUpstreamUnavailable    ErrorType = "upstream_unavailable"
	ErrorTypeEnvironmentUnavailable ErrorType = "environment_unavailable"
	ErrorTypeStorageExhausted       ErrorType = "storage_exhausted"
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

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewMalformedResponseError 创建模型输出无法解析的错误
func NewMalformedResponseError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeMalformedResponse, message, originalError)
}

// NewUpstreamError 创建上游生成服务不可用错误
func NewUpstreamError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeUpstreamUnavailable, message, originalError)
}

// NewEnvironmentError 创建运行环境能力缺失错误（摄像头、语音等）
func NewEnvironmentError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeEnvironmentUnavailable, message, originalError)
}

// NewStorageExhaustedError 创建本地存储空间不足错误
func NewStorageExhaustedError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeStorageExhausted, message, originalError)
}

// isType 检查错误链中是否包含指定类型的 AppError
func isType(err error, errType ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == errType
	}
	return false
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool { return isType(err, ErrorTypeConflict) }

// IsMalformedResponseError 检查是否为模型输出解析错误
func IsMalformedResponseError(err error) bool { return isType(err, ErrorTypeMalformedResponse) }

// IsUpstreamError 检查是否为上游服务错误
func IsUpstreamError(err error) bool { return isType(err, ErrorTypeUpstreamUnavailable) }

// IsEnvironmentError 检查是否为运行环境错误
func IsEnvironmentError(err error) bool { return isType(err, ErrorTypeEnvironmentUnavailable) }

// IsStorageExhaustedError 检查是否为存储空间不足错误
func IsStorageExhaustedError(err error) bool { return isType(err, ErrorTypeStorageExhausted) }

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeMalformedResponse:
		return "GENERATION_MALFORMED"
	case ErrorTypeUpstreamUnavailable:
		return "UPSTREAM_UNAVAILABLE"
	case ErrorTypeEnvironmentUnavailable:
		return "ENVIRONMENT_UNAVAILABLE"
	case ErrorTypeStorageExhausted:
		return "STORAGE_EXHAUSTED"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误，已是 AppError 时保留其类型
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	return NewAppError(errType, message, err)
}
