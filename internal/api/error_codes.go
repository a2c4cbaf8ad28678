// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 世界
	ErrorWorldNotFound = "WORLD_NOT_FOUND"
	ErrorWorldInvalid  = "WORLD_INVALID"

	// 会话和回合
	ErrorSessionNotFound = "SESSION_NOT_FOUND"
	ErrorTurnInProgress  = "TURN_IN_PROGRESS"
	ErrorActionInvalid   = "ACTION_INVALID"
	ErrorAITransport     = "AI_TRANSPORT_ERROR"

	// 存档
	ErrorSaveNotFound = "SAVE_NOT_FOUND"
	ErrorSaveInvalid  = "SAVE_FORMAT_ERROR"

	// 文件
	ErrorFileUploadFailed = "FILE_UPLOAD_FAILED"
	ErrorFileTooLarge     = "FILE_TOO_LARGE"

	// 设置和模型服务
	ErrorSettingsInvalid       = "SETTINGS_INVALID"
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
)
