package resilience

import (
	"context"
	"time"
)

// RetryPolicy defines retry behavior for transient failures. Delay grows
// linearly with the attempt number (backoff, 2*backoff, ...).
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn until it succeeds or retries are exhausted. retryable decides
// whether a failure is worth another attempt; a nil retryable retries every
// error. Context cancellation aborts the wait between attempts.
func (r RetryPolicy) Do(ctx context.Context, fn func() error, retryable func(error) bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == r.MaxRetries {
			return err
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		delay := time.Duration(attempt+1) * r.Backoff
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
	return err
}
