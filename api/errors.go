package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"
)

const (
	// ErrInternal means that an internal server error has occurred.
	ErrInternal = "internal_server_error"
	// ErrNotFound means the addressed device, offer or transfer does not exist.
	ErrNotFound = "not_found"
	// ErrBadParameter means that a provided parameter does not match what is expected.
	ErrBadParameter = "bad_parameter"
	// ErrConflict means the target exists but is not in a state that allows the operation.
	ErrConflict = "conflict"
)

// Error is returned by handlers and rendered by the error handler.
type Error struct {
	// Code is a machine-readable code.
	Code string `json:"code,omitempty"`
	// Message is a human-readable message.
	Message string `json:"message"`
	// Inner is never shown to API consumers.
	Inner error `json:"-"`
}

// NewError creates a new Error.
func NewError(code, message string, inner error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Inner:   inner,
	}
}

func NewBadParameterError(message string, inner error) *Error {
	return NewError(ErrBadParameter, message, inner)
}

func NewNotFoundError(message string) *Error {
	return NewError(ErrNotFound, message, nil)
}

func NewConflictError(message string) *Error {
	return NewError(ErrConflict, message, nil)
}

func (e Error) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("%s %s: %v", e.Code, e.Message, e.Inner)
	}
	return fmt.Sprintf("%s %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e Error) Unwrap() error {
	return e.Inner
}

// ToError returns the *Error in err's chain, or nil.
func ToError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// ErrResponse is the JSON body of every error response.
type ErrResponse struct {
	Error *Error `json:"error,omitempty"`
}

// RegisterErrorHandler installs the JSON error handler on e.
func RegisterErrorHandler(e *echo.Echo, logger log.Logger) {
	e.HTTPErrorHandler = NewHTTPErrorHandler(NewErrorCodeToStatusCodeMap(), logger).Handler
}

// NewErrorCodeToStatusCodeMap maps error codes to HTTP statuses.
func NewErrorCodeToStatusCodeMap() map[string]int {
	return map[string]int{
		ErrBadParameter: http.StatusBadRequest,
		ErrNotFound:     http.StatusNotFound,
		ErrConflict:     http.StatusConflict,
		ErrInternal:     http.StatusInternalServerError,
	}
}

// HTTPErrorHandler renders handler errors as ErrResponse.
type HTTPErrorHandler struct {
	statusByCode map[string]int
	logger       log.Logger
}

func NewHTTPErrorHandler(statusByCode map[string]int, logger log.Logger) *HTTPErrorHandler {
	return &HTTPErrorHandler{
		statusByCode: statusByCode,
		logger:       logger,
	}
}

func (h *HTTPErrorHandler) statusCode(code string) int {
	if status, ok := h.statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Handler handles errors returned by echo handlers.
func (h *HTTPErrorHandler) Handler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	apiErr := ToError(err)
	var status int
	var he *echo.HTTPError
	switch {
	case apiErr != nil:
		status = h.statusCode(apiErr.Code)
	case errors.As(err, &he):
		code := ErrInternal
		switch {
		case he.Code == http.StatusNotFound:
			code = ErrNotFound
		case he.Code >= 400 && he.Code < 500:
			code = ErrBadParameter
		}
		message, _ := he.Message.(string)
		apiErr = NewError(code, message, err)
		status = he.Code
	default:
		apiErr = NewError(ErrInternal, "an internal server error has occurred", err)
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		level.Error(h.logger).Log("msg", "HTTP request error", "path", c.Path(), "err", err)
	} else {
		level.Debug(h.logger).Log("msg", "HTTP request rejected", "path", c.Path(), "err", err)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, ErrResponse{Error: apiErr})
}
