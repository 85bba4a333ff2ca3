package device

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is returned before any request is made when the input cannot
// produce a valid command.
var ErrInvalid = errors.New("device: invalid command")

// StatusError is a non-2xx answer from the control API.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration // from the Retry-After header, 0 if absent
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("device: http %d", e.Code)
	}
	return fmt.Sprintf("device: http %d: %s", e.Code, e.Body)
}

// Temporary reports whether repeating the same request may succeed.
func (e *StatusError) Temporary() bool {
	switch {
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	case e.Code >= 500:
		return true
	default:
		return false
	}
}

// retryable reports whether err warrants another attempt.
func retryable(err error) bool {
	if err == nil || errors.Is(err, ErrInvalid) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	// Transport errors (dial, reset, timeout) are worth a retry.
	return true
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
