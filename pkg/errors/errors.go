package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"peerlink/internal/core/domain"
)

// ErrorCode is the code reported to HTTP and signaling clients
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeUnprocessable      ErrorCode = "UNPROCESSABLE"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeBadGateway         ErrorCode = "BAD_GATEWAY"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

var kindMapping = map[domain.ErrorKind]struct {
	code   ErrorCode
	status int
}{
	domain.KindDuplicateConnection: {ErrCodeConflict, http.StatusConflict},
	domain.KindConnectionNotFound:  {ErrCodeNotFound, http.StatusNotFound},
	domain.KindCompressionFailed:   {ErrCodeUnprocessable, http.StatusUnprocessableEntity},
	domain.KindSignalingError:      {ErrCodeBadGateway, http.StatusBadGateway},
	domain.KindIceGatheringFailed:  {ErrCodeBadGateway, http.StatusBadGateway},
	domain.KindMediaAccessDenied:   {ErrCodeForbidden, http.StatusForbidden},
}

// FromError converts any error into an AppError. Connection errors keep their
// message and participant; unknown errors become INTERNAL_ERROR.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	var connErr *domain.ConnectionError
	if stderrors.As(err, &connErr) {
		m, ok := kindMapping[connErr.Kind]
		if !ok {
			return WrapError(err, ErrCodeInternal, connErr.Message, http.StatusInternalServerError)
		}
		appErr := WrapError(err, m.code, connErr.Message, m.status).
			WithContext("kind", string(connErr.Kind))
		if connErr.ParticipantID != "" {
			appErr.WithContext("participant_id", string(connErr.ParticipantID))
		}
		for k, v := range connErr.Details {
			appErr.WithContext(k, v)
		}
		return appErr
	}

	return WrapError(err, ErrCodeInternal, "internal server error", http.StatusInternalServerError)
}

// ErrorResponse is the JSON body returned for failed HTTP requests
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Response renders the error for an HTTP client
func (e *AppError) Response() ErrorResponse {
	return ErrorResponse{Error: ErrorBody{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Context,
	}}
}
