// Package retries provides a small bounded-retry helper used by the
// stores and readiness checks. The upload service itself stays fail-fast;
// only transient infrastructure errors are retried here.
package retries

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/aws/smithy-go"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 100 * time.Millisecond

	HealthAttempts  = 2
	HealthBaseDelay = 50 * time.Millisecond
)

// Retry runs fn up to attempts times, sleeping baseDelay, 2*baseDelay,
// 4*baseDelay... between tries. It stops early when fn succeeds, when
// isRetriable reports the error as permanent, or when ctx is done.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error, isRetriable func(error) bool) error {
	var err error

	delay := baseDelay
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}

		if !isRetriable(err) {
			return err
		}

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return err
}

// retriableAWSCodes are transient service-side conditions worth retrying.
var retriableAWSCodes = map[string]bool{
	"ThrottlingException":                    true,
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"InternalServerError":                    true,
	"ServiceUnavailable":                     true,
	"SlowDown":                               true,
}

// IsRetriableDbError reports whether err is a transient AWS or network
// failure. Conditional-check failures are never retried here: they carry
// concurrency information the caller must act on.
func IsRetriableDbError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return retriableAWSCodes[apiErr.ErrorCode()]
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
