package soar

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"
)

// maxBackoffDelay caps the exponential schedule so a misconfigured
// multiplier cannot park a worker for hours.
const maxBackoffDelay = 5 * time.Minute

// ClassifyError maps a step failure onto an ErrorKind. Only transient
// and timeout failures are retried; everything else fails the attempt
// permanently.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}

	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		return ErrorKindSchema
	}
	if errors.Is(err, ErrActionNotFound) {
		return ErrorKindActionNotFound
	}
	if errors.Is(err, context.Canceled) {
		return ErrorKindCancelled
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}

	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return ErrorKindPermanent
	}
	var transErr *TransientError
	if errors.As(err, &transErr) {
		return ErrorKindTransient
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 || httpErr.StatusCode >= 500 {
			return ErrorKindTransient
		}
		return ErrorKindPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorKindTransient
	}

	// Unclassified failures get the benefit of the doubt.
	return ErrorKindTransient
}

// IsRetryable reports whether a failure of the given kind should be retried.
func IsRetryable(kind ErrorKind) bool {
	return kind == ErrorKindTransient || kind == ErrorKindTimeout
}

// backoffDelay computes the wait before retry attempt n (1-based),
// growing exponentially with ±20% jitter to avoid thundering herds
// against a recovering upstream.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	initial := policy.InitialDelay
	if initial <= 0 {
		initial = DefaultRetryPolicy().InitialDelay
	}
	mult := policy.BackoffMultiplier
	if mult < 1 {
		mult = DefaultRetryPolicy().BackoffMultiplier
	}

	delay := float64(initial) * math.Pow(mult, float64(attempt-1))
	if delay > float64(maxBackoffDelay) {
		delay = float64(maxBackoffDelay)
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(delay * jitter)
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
