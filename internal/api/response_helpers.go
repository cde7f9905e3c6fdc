// internal/api/response_helpers.go
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Corphon/StoryLoom/internal/errors"
)

// APIResponse is the envelope of every JSON reply.
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ResponseHelper writes APIResponse envelopes.
type ResponseHelper struct{}

func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

func (rh *ResponseHelper) respond(c *gin.Context, status int, data interface{}, message []string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}
	if len(message) > 0 {
		response.Message = message[0]
	}
	c.JSON(status, response)
}

func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	rh.respond(c, http.StatusOK, data, message)
}

// Accepted acknowledges work that continues in the background.
func (rh *ResponseHelper) Accepted(c *gin.Context, data interface{}, message ...string) {
	rh.respond(c, http.StatusAccepted, data, message)
}

// sanitizeErrorMessage hides messages that could leak credentials.
func sanitizeErrorMessage(message string) string {
	lower := strings.ToLower(message)
	for _, pattern := range []string{"api_key", "apikey", "key=", "secret", "token", "password"} {
		if strings.Contains(lower, pattern) {
			return "An internal error occurred"
		}
	}
	return message
}

func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string, details ...string) {
	apiError := &APIError{
		Code:    errorCode,
		Message: sanitizeErrorMessage(message),
	}
	if len(details) > 0 {
		apiError.Details = sanitizeErrorMessage(details[0])
	}

	c.JSON(statusCode, &APIResponse{
		Success:   false,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	})
}

func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

func (rh *ResponseHelper) NotFound(c *gin.Context, code, message string) {
	rh.Error(c, http.StatusNotFound, code, message)
}

func (rh *ResponseHelper) Conflict(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusConflict, ErrorConflict, message, details...)
}

func (rh *ResponseHelper) InternalError(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message, details...)
}

// FromError maps an AppError type onto an HTTP status and error code.
func (rh *ResponseHelper) FromError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		rh.InternalError(c, "unexpected error", err.Error())
		return
	}

	status, code := http.StatusInternalServerError, ErrorInternalError
	switch appErr.Type {
	case apperrors.ErrorTypeValidation:
		status, code = http.StatusBadRequest, ErrorQuizInvalid
	case apperrors.ErrorTypeNotFound:
		status, code = http.StatusNotFound, ErrorStoryNotFound
	case apperrors.ErrorTypeConflict:
		status, code = http.StatusConflict, ErrorSessionState
	case apperrors.ErrorTypeMalformedResponse:
		status, code = http.StatusBadGateway, ErrorMalformedResponse
	case apperrors.ErrorTypeUpstreamUnavailable:
		status, code = http.StatusBadGateway, ErrorLLMServiceUnavailable
	case apperrors.ErrorTypeEnvironmentUnavailable:
		status, code = http.StatusServiceUnavailable, ErrorFeatureUnavailable
	case apperrors.ErrorTypeStorageExhausted:
		status, code = http.StatusInsufficientStorage, ErrorStorageExhausted
	case apperrors.ErrorTypeTimeout:
		status, code = http.StatusGatewayTimeout, ErrorLLMServiceUnavailable
	}
	rh.Error(c, status, code, appErr.Message)
}

func (rh *ResponseHelper) getRequestID(c *gin.Context) string {
	return c.GetString("request_id")
}
