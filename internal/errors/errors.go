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
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"

	// 游戏回合相关错误类型
	ErrorTypeTransport  ErrorType = "transport_error"
	ErrorTypeParse      ErrorType = "parse_error"
	ErrorTypeSandbox    ErrorType = "sandbox_error"
	ErrorTypeSaveFormat ErrorType = "save_format_error"
)

// AppError 应用程序错误结构
type AppError struct {
	Type       ErrorType
	Message    string
	Err        error
	Code       string // 用户友好的错误代码
	StatusCode int    // 上游HTTP状态码，仅 transport_error 使用
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

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewTransportError 创建AI后端传输错误，statusCode 为 0 表示网络层失败
func NewTransportError(statusCode int, message string, originalError error) *AppError {
	e := NewAppError(ErrorTypeTransport, message, originalError)
	e.StatusCode = statusCode
	return e
}

// NewSandboxError 创建沙箱执行错误
func NewSandboxError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeSandbox, message, originalError)
}

// NewSaveFormatError 创建存档格式错误
func NewSaveFormatError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeSaveFormat, message, originalError)
}

func isType(err error, t ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == t
	}
	return false
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool { return isType(err, ErrorTypeConflict) }

// IsTransportError 检查是否为传输错误
func IsTransportError(err error) bool { return isType(err, ErrorTypeTransport) }

// IsSaveFormatError 检查是否为存档格式错误
func IsSaveFormatError(err error) bool { return isType(err, ErrorTypeSaveFormat) }

// StatusCodeOf 返回错误链中记录的上游HTTP状态码
func StatusCodeOf(err error) int {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.StatusCode
	}
	return 0
}

// HTTPStatus 将错误映射为本服务对外的HTTP状态码
func HTTPStatus(err error) int {
	var appError *AppError
	if !errors.As(err, &appError) {
		return http.StatusInternalServerError
	}
	switch appError.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeTransport:
		return http.StatusBadGateway
	case ErrorTypeSaveFormat:
		return http.StatusUnprocessableEntity
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
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeTransport:
		return "AI_TRANSPORT_ERROR"
	case ErrorTypeParse:
		return "AI_PARSE_ERROR"
	case ErrorTypeSandbox:
		return "SANDBOX_ERROR"
	case ErrorTypeSaveFormat:
		return "SAVE_FORMAT_ERROR"
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
			Type:       appError.Type,
			Message:    fmt.Sprintf("%s: %s", message, appError.Message),
			Err:        appError,
			Code:       appError.Code,
			StatusCode: appError.StatusCode,
		}
	}

	return NewAppError(errType, message, err)
}
