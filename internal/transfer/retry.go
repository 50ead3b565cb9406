package transfer

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// DefaultRetries is the attempt budget per part when the caller does not
// override it.
const DefaultRetries = 10

// withRetry runs fn up to attempts times, sleeping between failures with
// exponential backoff capped at 8s. Terminal errors and context
// cancellation stop immediately.
func withRetry(ctx context.Context, attempts int, onRetry func(attempt int, err error), fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		last = fn()
		if last == nil {
			return nil
		}
		if !IsRetryable(last) || attempt == attempts {
			return last
		}
		if onRetry != nil {
			onRetry(attempt, last)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return last
}

func backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift > 3 {
		shift = 3
	}
	return time.Duration(1<<shift) * time.Second
}

// IsRetryable separates transient transport faults from terminal failures.
// Auth problems and missing entries never resolve by retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code >= 500,
			se.Code == http.StatusRequestTimeout,
			se.Code == http.StatusTooManyRequests:
			return true
		}
		return false
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	// url.Error wrapping a closed connection or the like.
	var oe *net.OpError
	return errors.As(err, &oe)
}
