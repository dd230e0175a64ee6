package llm

import (
	"fmt"
	"net/http"
)

// ErrorType classifies a provider failure
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error" // 400
	ErrorTypeAuthentication ErrorType = "authentication_error"  // 401
	ErrorTypePermission     ErrorType = "permission_error"      // 403
	ErrorTypeNotFound       ErrorType = "not_found_error"       // 404
	ErrorTypeRateLimit      ErrorType = "rate_limit_error"      // 429
	ErrorTypeAPI            ErrorType = "api_error"             // 5xx and transport failures
	ErrorTypeOverloaded     ErrorType = "overloaded_error"      // 503, 529
)

// ProviderError is a failed call to the model API
type ProviderError struct {
	Type       ErrorType
	StatusCode int
	Message    string
	RequestID  string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("[%s]", e.Type)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf("[%d]", e.StatusCode)
	}
	msg += " " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.RequestID != "" {
		msg += " (request_id: " + e.RequestID + ")"
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the same request may succeed later
func (e *ProviderError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeAPI, ErrorTypeOverloaded:
		return true
	default:
		return false
	}
}

func newProviderError(message string, err error) *ProviderError {
	return &ProviderError{Type: ErrorTypeAPI, Message: message, Err: err}
}

func errorTypeForStatus(code int) ErrorType {
	switch code {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return ErrorTypeInvalidRequest
	case http.StatusUnauthorized:
		return ErrorTypeAuthentication
	case http.StatusForbidden:
		return ErrorTypePermission
	case http.StatusNotFound:
		return ErrorTypeNotFound
	case http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case http.StatusServiceUnavailable, 529:
		return ErrorTypeOverloaded
	default:
		return ErrorTypeAPI
	}
}
