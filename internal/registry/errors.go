package registry

import (
	"errors"
	"fmt"
)

// ErrTooManyMatches the registry refused to narrow the query to a single
// person. Drives cascade step advancement; never surfaced to users.
var ErrTooManyMatches = errors.New("registry returned too many matches")

// ErrRateLimited the registry throttled the call. The one failure mode that
// must bubble to the job-retry layer rather than being absorbed.
var ErrRateLimited = errors.New("registry rate limit exceeded")

// ServerError a transient registry failure (5xx or malformed response).
// Reported and absorbed as an inconclusive cascade run.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("registry server error (status %d): %s", e.StatusCode, e.Message)
}

// IsServerError reports whether err is a transient registry failure.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}
