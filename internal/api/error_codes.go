// internal/api/error_codes.go
package api

// API error codes
const (
	// generic
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// stories and session
	ErrorStoryNotFound     = "STORY_NOT_FOUND"
	ErrorTaskNotFound      = "TASK_NOT_FOUND"
	ErrorSessionState      = "SESSION_STATE_INVALID"
	ErrorQuizInvalid       = "QUIZ_INVALID"
	ErrorMalformedResponse = "STORY_MALFORMED"

	// generative backend
	ErrorLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"

	// environment
	ErrorCameraInactive     = "CAMERA_INACTIVE"
	ErrorFrameInvalid       = "FRAME_INVALID"
	ErrorFeatureUnavailable = "FEATURE_UNAVAILABLE"
	ErrorStorageExhausted   = "STORAGE_EXHAUSTED"
)
