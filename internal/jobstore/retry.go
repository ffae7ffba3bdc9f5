package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/ternarybob/arbor"
)

// transientErrorCodes are PostgreSQL error classes worth retrying:
// serialization failures, deadlocks, and connection-level exceptions.
var transientErrorCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

func isTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientErrorCodes[string(pqErr.Code)]
	}
	return false
}

// retryWithExponentialBackoff retries operation while it returns a
// transient PostgreSQL error, doubling the delay each attempt.
func retryWithExponentialBackoff(ctx context.Context, operation func() error, maxAttempts int, initialDelay time.Duration, logger arbor.ILogger) error {
	var lastErr error
	delay := initialDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if !isTransient(lastErr) {
			return lastErr
		}

		if attempt < maxAttempts {
			logger.Warn().
				Int("attempt", attempt).
				Int("max_attempts", maxAttempts).
				Str("delay", delay.String()).
				Err(lastErr).
				Msg("Transient database error, retrying operation")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	logger.Error().
		Int("max_attempts", maxAttempts).
		Err(lastErr).
		Msg("All retry attempts exhausted")
	return lastErr
}
