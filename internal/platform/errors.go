package platform

import (
	"errors"
	"fmt"
	"strings"
)

// APIError is a failed platform API call with its HTTP status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform api error: status %d: %s", e.StatusCode, e.Message)
}

// NewAPIError builds an APIError from a status code and message.
func NewAPIError(status int, message string) *APIError {
	return &APIError{StatusCode: status, Message: message}
}

// AsAPIError unwraps err into an APIError if possible.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsFieldMissing reports whether err carries the "field no longer exists"
// signature, meaning the target schema changed underneath a running
// migration. Callers invalidate the prefetch cache and retry once.
func IsFieldMissing(err error) bool {
	if err == nil {
		return false
	}
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	if apiErr.StatusCode != 400 && apiErr.StatusCode != 404 {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	if !strings.Contains(msg, "field") {
		return false
	}
	return strings.Contains(msg, "not exist") ||
		strings.Contains(msg, "no longer") ||
		strings.Contains(msg, "deleted") ||
		strings.Contains(msg, "not found")
}

// IsRateLimited reports a 429/420-style rate-limit signature.
func IsRateLimited(err error) bool {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.StatusCode == 429 || apiErr.StatusCode == 420
	}
	return false
}
