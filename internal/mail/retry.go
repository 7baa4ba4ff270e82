package mail

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/googleapi"
)

const (
	retryAttempts  = 3
	retryBaseDelay = time.Second
)

// retryable reports whether an API error is transient: network-level
// failures, rate limiting, or server errors. Client errors surface
// immediately.
func retryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return false
}

// withRetry runs fn with exponential backoff on transient errors.
func withRetry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	delay := retryBaseDelay
	for attempt := 0; attempt <= retryAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
		if attempt == retryAttempts {
			break
		}
		log.Warn().Err(lastErr).Str("operation", operation).
			Int("attempt", attempt+1).Dur("delay", delay).
			Msg("transient mail API error, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}
