package errors

import (
	"fmt"
	"net/http"
)

// Code represents an error code with HTTP status and message
type Code struct {
	Code    int    // Business error code
	Status  int    // HTTP status code
	Message string // Error message
}

// Error codes for different modules
const (
	// Success
	Success = 0

	// Common errors (1000-1999)
	ErrInternalServer  = 1000
	ErrInvalidParams   = 1001
	ErrNotFound        = 1002
	ErrConflict        = 1005
	ErrTooManyRequests = 1006
	ErrBadRequest      = 1007
	ErrServiceUnavail  = 1008

	// Chat errors (6000-6999)
	ErrThreadNotFound     = 6000
	ErrStreamBusy         = 6001
	ErrForegroundBusy     = 6002
	ErrApprovalNotFound   = 6003
	ErrApprovalNotRouted  = 6004
	ErrPersistFailed      = 6005
	ErrTransportFailed    = 6006
	ErrTitleFailed        = 6007
	ErrEphemeralDetach    = 6008
	ErrRetryNotApplicable = 6009
)

// codeMap maps error codes to their details
var codeMap = map[int]Code{
	Success: {Success, http.StatusOK, "Success"},

	// Common errors
	ErrInternalServer:  {ErrInternalServer, http.StatusInternalServerError, "Internal server error"},
	ErrInvalidParams:   {ErrInvalidParams, http.StatusBadRequest, "Invalid parameters"},
	ErrNotFound:        {ErrNotFound, http.StatusNotFound, "Resource not found"},
	ErrConflict:        {ErrConflict, http.StatusConflict, "Resource conflict"},
	ErrTooManyRequests: {ErrTooManyRequests, http.StatusTooManyRequests, "Too many requests"},
	ErrBadRequest:      {ErrBadRequest, http.StatusBadRequest, "Bad request"},
	ErrServiceUnavail:  {ErrServiceUnavail, http.StatusServiceUnavailable, "Service unavailable"},

	// Chat errors
	ErrThreadNotFound:     {ErrThreadNotFound, http.StatusNotFound, "Thread not found"},
	ErrStreamBusy:         {ErrStreamBusy, http.StatusConflict, "A response is already streaming"},
	ErrForegroundBusy:     {ErrForegroundBusy, http.StatusConflict, "Stop or leave the current response first"},
	ErrApprovalNotFound:   {ErrApprovalNotFound, http.StatusNotFound, "Approval request not found"},
	ErrApprovalNotRouted:  {ErrApprovalNotRouted, http.StatusConflict, "Approval request belongs to a background thread"},
	ErrPersistFailed:      {ErrPersistFailed, http.StatusInternalServerError, "Failed to save conversation"},
	ErrTransportFailed:    {ErrTransportFailed, http.StatusBadGateway, "Model service request failed"},
	ErrTitleFailed:        {ErrTitleFailed, http.StatusBadGateway, "Title generation failed"},
	ErrEphemeralDetach:    {ErrEphemeralDetach, http.StatusConflict, "Ephemeral conversations cannot run in the background"},
	ErrRetryNotApplicable: {ErrRetryNotApplicable, http.StatusConflict, "Message cannot be retried"},
}

// GetCode returns the Code for a given error code
func GetCode(code int) Code {
	if c, ok := codeMap[code]; ok {
		return c
	}
	return codeMap[ErrInternalServer]
}

// GetHTTPStatus returns HTTP status for a given error code
func GetHTTPStatus(code int) int {
	return GetCode(code).Status
}

// GetMessage returns the message for a given error code
func GetMessage(code int) string {
	return GetCode(code).Message
}

// IsClientError checks if the code represents a client error (4xx)
func IsClientError(code int) bool {
	status := GetHTTPStatus(code)
	return status >= 400 && status < 500
}

// FormatError formats an error message with code
func FormatError(code int, details ...string) string {
	msg := GetMessage(code)
	if len(details) > 0 && details[0] != "" {
		return fmt.Sprintf("%s: %s", msg, details[0])
	}
	return msg
}
