// Package httpapi defines the response envelope shared by every API handler.
//
// Success responses carry the payload under "data"; failures carry a
// machine-readable code and human-readable message under "error". Exactly
// one of the two is ever set.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error codes returned under the envelope's error.code field.
const (
	CodeValidation            = "validation_error"
	CodeUnauthorized          = "unauthorized"
	CodeNotFound              = "not_found"
	CodeConflict              = "conflict"
	CodeInvalidTransition     = "invalid_state_transition"
	CodeInsufficientRemaining = "insufficient_remaining"
	CodeRailUnavailable       = "rail_unavailable"
	CodeInternal              = "internal_error"
)

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type envelope struct {
	Data  any        `json:"data"`
	Error *ErrorBody `json:"error"`
}

// Data writes a success envelope.
func Data(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Data: data})
}

// Error writes a failure envelope.
func Error(c *gin.Context, status int, code, message string) {
	c.JSON(status, envelope{Error: &ErrorBody{Code: code, Message: message}})
}

// ValidationFailed writes a 422 with per-field details.
func ValidationFailed(c *gin.Context, details any) {
	c.JSON(http.StatusUnprocessableEntity, envelope{Error: &ErrorBody{
		Code:    CodeValidation,
		Message: "request failed validation",
		Details: details,
	}})
}

// Unauthorized writes a 403. Used when the caller is authenticated but not
// permitted to act on the resource.
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, CodeUnauthorized, message)
}

// NotFound writes a 404.
func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, CodeNotFound, message)
}

// Conflict writes a 409 with the given code (conflict, invalid_state_transition,
// or insufficient_remaining).
func Conflict(c *gin.Context, code, message string) {
	Error(c, http.StatusConflict, code, message)
}

// RailUnavailable writes a 503. The settlement rail exhausted its retry
// budget; the caller may try again later.
func RailUnavailable(c *gin.Context, message string) {
	Error(c, http.StatusServiceUnavailable, CodeRailUnavailable, message)
}

// Internal writes a 500 without leaking the underlying error.
func Internal(c *gin.Context) {
	Error(c, http.StatusInternalServerError, CodeInternal, "internal error")
}
