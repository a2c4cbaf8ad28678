// internal/api/response_helpers.go
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/Corphon/Formamorph/internal/errors"
	"github.com/Corphon/Formamorph/internal/gameplay"
	"github.com/Corphon/Formamorph/internal/utils"
)

const requestIDKey = "request_id"

// ResponseHelper 响应助手
type ResponseHelper struct{}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

func (rh *ResponseHelper) envelope(c *gin.Context, success bool) *APIResponse {
	return &APIResponse{
		Success:   success,
		Timestamp: time.Now(),
		RequestID: c.GetString(requestIDKey),
	}
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	rh.respond(c, http.StatusOK, data, message...)
}

// Created 创建成功响应
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}, message ...string) {
	rh.respond(c, http.StatusCreated, data, message...)
}

// Accepted 已受理，结果稍后推送
func (rh *ResponseHelper) Accepted(c *gin.Context, data interface{}, message ...string) {
	rh.respond(c, http.StatusAccepted, data, message...)
}

func (rh *ResponseHelper) respond(c *gin.Context, status int, data interface{}, message ...string) {
	response := rh.envelope(c, true)
	response.Data = data
	if len(message) > 0 {
		response.Message = message[0]
	}
	c.JSON(status, response)
}

// sanitizeErrorMessage 含有密钥字样的消息整体替换
func sanitizeErrorMessage(message string) string {
	lower := strings.ToLower(message)
	for _, pattern := range []string{"api_key", "apikey", "secret", "token", "bearer"} {
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

	response := rh.envelope(c, false)
	response.Error = apiError
	c.JSON(statusCode, response)
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

// NotFound 404错误响应
func (rh *ResponseHelper) NotFound(c *gin.Context, resource string, details ...string) {
	rh.Error(c, http.StatusNotFound, notFoundCode(resource), resource+" not found", details...)
}

// InternalError 500错误响应
func (rh *ResponseHelper) InternalError(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message, details...)
}

// Conflict 409错误响应
func (rh *ResponseHelper) Conflict(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusConflict, ErrorConflict, message, details...)
}

// FromError 按错误类型选择状态码和错误代码。
// resource 用于生成 NOT_FOUND 类错误代码。
func (rh *ResponseHelper) FromError(c *gin.Context, resource string, err error) {
	status := apperrors.HTTPStatus(err)

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		utils.GetLogger().Error("unhandled API error", map[string]interface{}{
			"path":  c.FullPath(),
			"error": err.Error(),
		})
		rh.InternalError(c, "internal error")
		return
	}

	switch appErr.Type {
	case apperrors.ErrorTypeNotFound:
		rh.Error(c, status, notFoundCode(resource), appErr.Message)
	case apperrors.ErrorTypeConflict:
		rh.Error(c, status, ErrorTurnInProgress, appErr.Message)
	case apperrors.ErrorTypeTransport:
		// 上游错误只给出玩家可读的提示
		rh.Error(c, status, ErrorAITransport, gameplay.UserFacingMessage(err), upstreamDetail(appErr))
	case apperrors.ErrorTypeSaveFormat:
		rh.Error(c, status, ErrorSaveInvalid, appErr.Message)
	case apperrors.ErrorTypeValidation:
		rh.Error(c, status, ErrorBadRequest, appErr.Message)
	default:
		rh.Error(c, status, appErr.Code, appErr.Message)
	}
}

func upstreamDetail(e *apperrors.AppError) string {
	if e.StatusCode == 0 {
		return ""
	}
	return "upstream status " + strconv.Itoa(e.StatusCode)
}

// PaginatedSuccess 分页成功响应
func (rh *ResponseHelper) PaginatedSuccess(c *gin.Context, data interface{}, meta *PaginationMeta, message ...string) {
	response := &PaginatedResponse{APIResponse: rh.envelope(c, true), Meta: meta}
	response.Data = data
	if len(message) > 0 {
		response.Message = message[0]
	}
	c.JSON(http.StatusOK, response)
}

// DownloadResponse 强制下载
func (rh *ResponseHelper) DownloadResponse(c *gin.Context, content []byte, filename string, contentType string) {
	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Data(http.StatusOK, contentType, content)
}

func notFoundCode(resource string) string {
	switch resource {
	case "world":
		return ErrorWorldNotFound
	case "session":
		return ErrorSessionNotFound
	case "save":
		return ErrorSaveNotFound
	default:
		return ErrorNotFound
	}
}

// requestIDMiddleware 为每个请求分配 ID，沿用客户端传入的 X-Request-ID
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
