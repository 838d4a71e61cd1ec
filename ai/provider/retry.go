package provider

import (
	"context"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Await-d/FluxCaption-sub000/errors"
)

// StatusError is a non-2xx HTTP response from a provider endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return "provider returned HTTP " + http.StatusText(e.Code) + ": " + body
}

// IsRetryable classifies an error as transient: network failures, timeouts,
// HTTP 5xx and 429.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errors.ErrProviderTransient) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errno, ok := opErr.Err.(syscall.Errno); ok {
			switch errno {
			case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT:
				return true
			}
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection reset by peer",
		"connection refused",
		"timeout",
		"temporary failure",
		"network is unreachable",
		"i/o timeout",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// retryMaxAttempts bounds transient retries; backoff grows from
// retryBaseInterval and is capped at retryMaxInterval.
const (
	retryMaxAttempts  = 3
	retryBaseInterval = 1 * time.Second
	retryMaxInterval  = 30 * time.Second
)

// WithRetry runs fn, retrying transient failures with exponential backoff.
// Non-retryable errors abort immediately. Exhausted retries surface the last
// error wrapped as ErrProviderFailed.
func WithRetry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryBaseInterval
	policy.MaxInterval = retryMaxInterval
	policy.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(policy, retryMaxAttempts), ctx))
	if err == nil {
		return nil
	}
	if IsRetryable(err) {
		return errors.WithSecondaryError(
			errors.Wrapf(errors.ErrProviderFailed, "retries exhausted: %v", err), err)
	}
	return err
}
