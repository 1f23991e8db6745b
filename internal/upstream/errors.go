package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNotFound reports that the upstream does not know the requested model.
var ErrNotFound = errors.New("model not found")

// HTTPError carries a non-2xx upstream reply verbatim, so callers can pass
// the original status and body through to their own clients.
type HTTPError struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// HTTPStatus implements the status mapping contract used by pkg/apierr.
func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

// IsTimeout reports whether err is a deadline expiry, either from the
// request context or from the HTTP client's own timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
