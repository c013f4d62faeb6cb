// internal/utils/response.go
package utils

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"lrm-service/pkg/lrm"
)

// APIResponse represents standard API response structure
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError represents error information. Status and Category carry the
// driver result for device operations.
type APIError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Details  string `json:"details,omitempty"`
	Status   int    `json:"status,omitempty"`
	Category string `json:"category,omitempty"`
}

// ErrNotFound marks lookups of unknown resources.
var ErrNotFound = errors.New("not found")

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	response := APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	}

	c.JSON(statusCode, response)
}

// ErrorResponse sends an error response
func ErrorResponse(c *gin.Context, statusCode int, message string, err error) {
	apiError := &APIError{
		Code:    getErrorCode(statusCode),
		Message: message,
	}

	if err != nil {
		apiError.Details = err.Error()
	}

	response := APIResponse{
		Success:   false,
		Message:   message,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	}

	c.JSON(statusCode, response)
}

// DeviceErrorResponse sends err with the HTTP status of its result category.
func DeviceErrorResponse(c *gin.Context, message string, err error) {
	statusCode := HTTPStatus(err)
	driverErr := err
	if errors.Is(err, ErrNotFound) {
		// Unknown sessions are reported like stale handles.
		driverErr = lrm.ErrInvalidHandle
	}
	apiError := &APIError{
		Code:     getErrorCode(statusCode),
		Message:  message,
		Status:   lrm.StatusCode(driverErr),
		Category: string(lrm.Classify(driverErr)),
	}
	if err != nil {
		apiError.Details = err.Error()
	}

	c.JSON(statusCode, APIResponse{
		Success:   false,
		Message:   message,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	})
}

// HTTPStatus maps a service or driver error to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound), errors.Is(err, lrm.ErrInvalidHandle):
		return http.StatusNotFound
	case errors.Is(err, lrm.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, lrm.ErrNotConnected), errors.Is(err, lrm.ErrPoolExhausted):
		return http.StatusConflict
	case errors.Is(err, lrm.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, lrm.ErrMeasurement):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lrm.ErrCommunication):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsUsageError reports whether err is a caller mistake rather than a device
// or link failure.
func IsUsageError(err error) bool {
	return errors.Is(err, ErrNotFound) || lrm.Classify(err) == lrm.CategoryUsage
}

// ValidationErrorResponse sends validation error response
func ValidationErrorResponse(c *gin.Context, errors map[string]string) {
	apiError := &APIError{
		Code:    "VALIDATION_ERROR",
		Message: "Request validation failed",
	}

	response := APIResponse{
		Success:   false,
		Message:   "Validation failed",
		Error:     apiError,
		Data:      gin.H{"validation_errors": errors},
		Timestamp: time.Now(),
		RequestID: getRequestID(c),
	}

	c.JSON(http.StatusBadRequest, response)
}

// getRequestID extracts request ID from context
func getRequestID(c *gin.Context) string {
	return c.GetString("request_id")
}

// getErrorCode returns error code based on HTTP status
func getErrorCode(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusUnprocessableEntity:
		return "DEVICE_ERROR"
	case http.StatusBadGateway:
		return "COMMUNICATION_ERROR"
	case http.StatusGatewayTimeout:
		return "TIMEOUT"
	case http.StatusInternalServerError:
		return "INTERNAL_SERVER_ERROR"
	case http.StatusServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		return "UNKNOWN_ERROR"
	}
}
