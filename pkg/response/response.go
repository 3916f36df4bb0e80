// Package response defines the JSON envelope of the saga admin API and maps
// the saga error taxonomy onto HTTP statuses.
package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

// Error codes surfaced by the admin API
const (
	CodeBadRequest        = "BAD_REQUEST"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeSagaNotFound      = "SAGA_NOT_FOUND"
	CodeUnknownSagaType   = "UNKNOWN_SAGA_TYPE"
	CodeSagaAlreadyExists = "SAGA_ALREADY_EXISTS"
	CodeIllegalTransition = "ILLEGAL_TRANSITION"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
	CodeInternal          = "INTERNAL_ERROR"
)

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorData  `json:"error,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// Accepted acknowledges work that progresses asynchronously, like a
// choreographed saga that was announced but has not settled yet.
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{
		Success: true,
		Data:    data,
	})
}

func Error(c *gin.Context, status int, code, message string, details string) {
	// picked up by the tracing middleware as a span attribute
	c.Set("error_code", code)
	c.JSON(status, Response{
		Success: false,
		Error: &ErrorData{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func InternalError(c *gin.Context, err error) {
	Error(c, http.StatusInternalServerError, CodeInternal, "Internal Server Error", err.Error())
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, CodeBadRequest, message, "")
}

// SagaError writes err with the status and code of its place in the saga
// error taxonomy. Unclassified errors fall through to a 500.
func SagaError(c *gin.Context, err error) {
	switch {
	case saga.IsValidationError(err):
		Error(c, http.StatusBadRequest, CodeValidationFailed, "invalid request", err.Error())
	case errors.Is(err, saga.ErrSagaNotFound):
		Error(c, http.StatusNotFound, CodeSagaNotFound, "saga not found", err.Error())
	case errors.Is(err, saga.ErrUnknownSagaType):
		Error(c, http.StatusBadRequest, CodeUnknownSagaType, "unknown saga type", err.Error())
	case errors.Is(err, saga.ErrSagaAlreadyExists):
		Error(c, http.StatusConflict, CodeSagaAlreadyExists, "saga already exists", err.Error())
	case errors.Is(err, saga.ErrIllegalTransition):
		Error(c, http.StatusConflict, CodeIllegalTransition, "saga state conflict", err.Error())
	case saga.IsTransientStoreError(err):
		Error(c, http.StatusServiceUnavailable, CodeStoreUnavailable, "saga store unavailable", err.Error())
	default:
		InternalError(c, err)
	}
}
