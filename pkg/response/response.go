package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// Response represents a standardized API response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeTradingHalted     = "TRADING_HALTED"
	ErrCodeNotReady          = "NOT_READY"
)

// Handle processes the error and returns the appropriate response. A halted
// breaker yields an explicit TRADING_HALTED rejection carrying the trip
// reason, never a generic 5xx.
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	var breakerErr *types.CircuitBreakerOpenError
	switch {
	case errors.As(err, &breakerErr):
		TradingHalted(c, breakerErr.Error())
	case errors.Is(err, types.ErrNotReady):
		NotReady(c, err.Error())
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	case types.IsPermanentBroker(err):
		BadRequest(c, err.Error())
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response.
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// TradingHalted sends a 423 response telling the caller exactly why order
// submission is rejected.
func TradingHalted(c *gin.Context, message string) {
	c.JSON(http.StatusLocked, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeTradingHalted,
			Message: message,
		},
	})
}

// NotReady sends a 503 response for requests arriving before the startup
// reconciliation run has succeeded.
func NotReady(c *gin.Context, message string) {
	c.JSON(http.StatusServiceUnavailable, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeNotReady,
			Message: message,
		},
	})
}

// NotFound sends a 404 response.
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeNotFound,
			Message: message,
		},
	})
}

// BadRequest sends a 400 response.
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeBadRequest,
			Message: message,
		},
	})
}

// Unauthorized sends a 401 response.
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeUnauthorized,
			Message: message,
		},
	})
}

// Forbidden sends a 403 response.
func Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeForbidden,
			Message: message,
		},
	})
}

// InternalError sends a 500 response.
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeInternalError,
			Message: message,
		},
	})
}

// Conflict sends a 409 response.
func Conflict(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeDuplicateResource,
			Message: message,
		},
	})
}
