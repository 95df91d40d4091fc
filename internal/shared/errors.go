package shared

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrInvalidConfig     = errors.New("invalid capture configuration")
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidState      = errors.New("operation not valid in current session state")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrTimeout           = errors.New("timed out")
	ErrSessionClosed     = errors.New("session closed")
)

type APIError struct {
	Code    string `json:"code" example:"invalid_config"`
	Message string `json:"message" example:"resolution must be WxH"`
	Details any    `json:"details,omitempty"`
}

func NewAPIError(code, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

func (e *APIError) ToHTTP(status int) *echo.HTTPError {
	return echo.NewHTTPError(status, e)
}

func BadRequest(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusBadRequest)
}

func NotFound(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusNotFound)
}

func Conflict(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusConflict)
}

func BadGateway(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusBadGateway)
}

func GatewayTimeout(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusGatewayTimeout)
}

func InternalError(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusInternalServerError)
}

// HTTPError translates the signaling error taxonomy into the HTTP surface.
// Unknown errors are reported as 500 without leaking internals.
func HTTPError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrInvalidConfig):
		return BadRequest("invalid_config", err.Error())
	case errors.Is(err, ErrSessionNotFound):
		return NotFound("session_not_found", err.Error())
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrSessionClosed):
		return Conflict("invalid_state", err.Error())
	case errors.Is(err, ErrNegotiationFailed):
		return BadGateway("negotiation_failed", err.Error())
	case errors.Is(err, ErrTimeout):
		return GatewayTimeout("timeout", err.Error())
	case errors.Is(err, ErrConnectionFailed):
		return BadGateway("connection_failed", err.Error())
	default:
		return InternalError("internal_error", "internal error")
	}
}
