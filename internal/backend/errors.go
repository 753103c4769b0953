package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/stemsi/exstem-client/internal/response"
)

// ErrBackendUnavailable wraps transport-level failures (dial, timeout, malformed envelope).
var ErrBackendUnavailable = errors.New("grading backend unavailable")

// APIError is a structured error returned by the grading backend.
type APIError struct {
	StatusCode    int
	Code          response.ErrCode
	Message       string
	WindowOpensAt *time.Time
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// AsAPIError extracts an *APIError from err.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code response.ErrCode) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == code
}
