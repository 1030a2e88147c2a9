package membership

import (
	"fmt"
	"net/http"

	"github.com/seatpool/server/internal/shared/errors"
)

// classify tags a transport-level failure. Network errors, timeouts and an
// open circuit breaker are all transient: the upstream may recover.
func classify(err error) error {
	if err == nil {
		return nil
	}
	return errors.Transient(err)
}

// classifyStatus maps an HTTP status to the failure taxonomy. Rate limits
// and server errors are retried with backoff; a rejected identity is
// permanent and must not be retried.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return errors.Transient(fmt.Errorf("membership service rate limited (%d)", status))
	case status >= 500:
		return errors.Transient(fmt.Errorf("membership service error (%d)", status))
	default:
		return errors.Terminal(fmt.Errorf("membership service rejected request (%d)", status))
	}
}
